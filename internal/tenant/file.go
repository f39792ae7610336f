package tenant

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadFile reads a JSON tenant registry mapping event tokens to enterprises:
//
//	{
//	  "token-a": {"id": "e1", "name": "Acme", "channels": ["chat-1"]}
//	}
func LoadFile(path string) (*MemoryResolver, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tenant: read registry: %w", err)
	}
	var byToken map[string]Enterprise
	if err := json.Unmarshal(raw, &byToken); err != nil {
		return nil, fmt.Errorf("tenant: parse registry: %w", err)
	}
	r := NewMemoryResolver()
	for token, e := range byToken {
		if token == "" || e.ID == "" {
			return nil, fmt.Errorf("tenant: registry entry missing token or id")
		}
		r.Register(token, e)
	}
	return r, nil
}
