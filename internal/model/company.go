package model

import "time"

// Company is a tracked public company holding digital assets on its balance sheet.
type Company struct {
	Ticker      string     `json:"ticker"`
	Name        string     `json:"name"`
	Asset       string     `json:"asset"`                  // treasury asset symbol, e.g. "BTC"
	RegistryID  string     `json:"registry_id,omitempty"`  // filing registry identifier (CIK for US filers)
	Active      bool       `json:"active"`
	LastChecked *time.Time `json:"last_checked,omitempty"` // most recent successful monitoring check
	CreatedAt   time.Time  `json:"created_at"`
}
