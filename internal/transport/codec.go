package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iago/jobsync/internal/domain"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Encode validates and serializes an envelope into one websocket frame.
func Encode(envelope domain.Envelope) ([]byte, error) {
	if err := envelope.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (domain.Envelope, error) {
	var envelope domain.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := envelope.Validate(); err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return envelope, nil
}
