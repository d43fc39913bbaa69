package hublink

import (
	"bytes"
	"encoding/json"
)

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// writeHandshakeRequest serializes the handshake request with the JSON record
// separator framing. The handshake is always JSON, regardless of the hub
// protocol negotiated afterwards.
func writeHandshakeRequest(request handshakeRequest) ([]byte, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	return append(data, recordSeparator), nil
}

// parseHandshakeResponse returns the parsed response and any data that
// followed the handshake frame in the same transport message. When data does
// not yet contain a complete frame, complete is false and the caller must
// retry with more data.
func parseHandshakeResponse(data []byte) (response handshakeResponse, remaining []byte, complete bool, err error) {
	i := bytes.IndexByte(data, recordSeparator)
	if i == -1 {
		return handshakeResponse{}, data, false, nil
	}
	if err = json.Unmarshal(data[:i], &response); err != nil {
		return handshakeResponse{}, data[i+1:], true, &HandshakeError{Message: err.Error()}
	}
	return response, data[i+1:], true, nil
}
