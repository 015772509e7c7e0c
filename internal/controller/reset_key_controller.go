package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/massmail-backend/internal/repository"
)

// ResetKeyController lets the login page check the key of a reset link
// before it offers the new password form.
type ResetKeyController struct {
	Keys repository.ResetKeyChecker
}

type verifyResetKeyRequest struct {
	Login string `json:"login"`
	Key   string `json:"key"`
}

func (c *ResetKeyController) Routes(r chi.Router) {
	r.Post("/reset-key/verify", c.Verify)
}

func (c *ResetKeyController) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyResetKeyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Login == "" || req.Key == "" {
		writeJSON(w, http.StatusBadRequest, Notice{Status: "error", Message: "login and key are required"})
		return
	}
	ok, err := c.Keys.CheckResetKey(r.Context(), req.Login, req.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, Notice{Status: "error", Message: "Your password reset link appears to be invalid.", Data: map[string]bool{"valid": false}})
		return
	}
	writeJSON(w, http.StatusOK, Notice{Status: "ok", Message: "reset key is valid", Data: map[string]bool{"valid": true}})
}
