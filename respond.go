package ecity

import (
	"encoding/json"
	"net/http"
)

// errorBody is the only error shape the gateway answers with.
type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeProxyResponse copies a forwarded response to the caller. Only the content type
// (and content encoding, when the body is still encoded) travel with the body.
func writeProxyResponse(w http.ResponseWriter, r *http.Request, res *ProxyResponse) {
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	if res.ContentEncoding != "" {
		w.Header().Set("Content-Encoding", res.ContentEncoding)
	}
	w.WriteHeader(res.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = w.Write(res.Body)
	}
}
