package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/stagelink/stagelink/internal/adapters/rtc"
)

// HTTPSignaler exchanges SDP with the media transport's signaling
// endpoint. One round trip: offer in, answer out.
type HTTPSignaler struct {
	endpoint string
	token    string
	http     *http.Client
}

func NewHTTPSignaler(endpoint, token string) *HTTPSignaler {
	return &HTTPSignaler{
		endpoint: endpoint,
		token:    token,
		http:     &http.Client{Timeout: requestTimeout},
	}
}

var _ rtc.Signaler = (*HTTPSignaler)(nil)

func (s *HTTPSignaler) Exchange(ctx context.Context, roomName, identity string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	reqBody := struct {
		Room     string `json:"room"`
		Identity string `json:"identity"`
		SDP      string `json:"sdp"`
	}{Room: roomName, Identity: identity, SDP: offer.SDP}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(b))
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return webrtc.SessionDescription{}, fmt.Errorf("%w: signal exchange: %d %s", ErrRequestFailed, resp.StatusCode,
			bytes.TrimSpace(msg))
	}

	var out struct {
		SDP string `json:"sdp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode answer: %w", err)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: out.SDP}, nil
}
