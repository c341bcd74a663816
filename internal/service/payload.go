package service

import (
	"encoding/json"
	"fmt"
)

func decodePayload(raw []byte, dest any) error {
	if len(raw) == 0 {
		return fmt.Errorf("decode payload: empty")
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
