package handler

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/openmx/identityd/internal/errors"
	"github.com/openmx/identityd/internal/httputil"
)

func decodeJSON(r *http.Request, dest any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(dest); err != nil {
		return apperrors.NotJSON()
	}
	return nil
}

func writeSuccess(w http.ResponseWriter) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}
