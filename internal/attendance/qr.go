package attendance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
)

type qrPayload struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	SessionID string `json:"session_id"`
}

// QRCode renders a PNG that a student app can scan instead of typing the
// code. size <= 0 uses the configured default.
func (m *SessionManager) QRCode(ctx context.Context, id uuid.UUID, size int) ([]byte, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = m.opts.QRSize
	}
	payload, err := json.Marshal(qrPayload{Type: "attendance_session", Code: s.Code, SessionID: s.ID.String()})
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(string(payload), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}
