package auth

import (
	"encoding/json"
	"net/http"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

type enrollRequest struct {
	ClientID string `json:"clientId"`
}

type enrollResponse struct {
	Token    string `json:"token"`
	ClientID string `json:"clientId"`
	UserID   string `json:"userId"`
}

// DeviceTokenHandler mints a device token for the logged-in user. The device
// id comes from the request body, then from the id this session enrolled
// before, and is generated otherwise. The id used is bound to the session so
// enrolling again refreshes the same device.
func DeviceTokenHandler(s *Sessions, tokens *Tokens) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		current, ok := s.Current(r)
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		var payload enrollRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				http.Error(w, "invalid body", http.StatusBadRequest)
				return
			}
		}
		clientID := payload.ClientID
		if clientID == "" {
			clientID = current.ClientID
		}
		if clientID == "" {
			clientID = uuid.NewString()
		}
		token, err := tokens.Issue(current.UserID, clientID)
		if err != nil {
			glog.Errorf("issue device token user=%s client=%s: %v", current.UserID, clientID, err)
			http.Error(w, "could not issue token", http.StatusInternalServerError)
			return
		}
		if clientID != current.ClientID {
			if err := s.BindClient(w, r, clientID); err != nil {
				glog.Warningf("bind device to session user=%s client=%s: %v", current.UserID, clientID, err)
			}
		}
		glog.Infof("issued device token user=%s client=%s", current.UserID, clientID)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(enrollResponse{Token: token, ClientID: clientID, UserID: current.UserID})
	}
}
