package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/nebula/pkg/apierror"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status, body := apierror.ToBody(err)
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apierror.Wrap(apierror.KindInvalidRequest, "malformed request body", err)
	}
	return nil
}
