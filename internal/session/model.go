// SPDX-License-Identifier: MIT

// Package session owns logical simulator sessions: identity, lifecycle and
// durable persistence. Nothing outside this package mutates a stored record.
package session

import (
	"time"
)

// InstalledApp is the install metadata tracked per bundle.
type InstalledApp struct {
	BundleID    string    `json:"bundle_id"`
	AppName     string    `json:"app_name"`
	AppPath     string    `json:"app_path"`
	InstalledAt time.Time `json:"installed_at"`
}

// Session is one logical simulator handed to a client. The manager is the
// sole writer; everyone else sees copies.
type Session struct {
	ID            string                  `json:"session_id"`
	UDID          string                  `json:"udid"`
	DeviceType    string                  `json:"device_type"`
	OSVersion     string                  `json:"ios_version"`
	PointWidth    int                     `json:"point_width"`
	PointHeight   int                     `json:"point_height"`
	PixelWidth    int                     `json:"pixel_width"`
	PixelHeight   int                     `json:"pixel_height"`
	Scale         int                     `json:"scale"`
	CreatedAt     time.Time               `json:"created_at"`
	LastValidated time.Time               `json:"last_validated"`
	InstalledApps map[string]InstalledApp `json:"installed_apps"`
}

// Clone returns an independent copy safe to hand outside the manager.
func (s *Session) Clone() *Session {
	cp := *s
	cp.InstalledApps = make(map[string]InstalledApp, len(s.InstalledApps))
	for k, v := range s.InstalledApps {
		cp.InstalledApps[k] = v
	}
	return &cp
}

// Uptime is the wall-clock age of the session.
func (s *Session) Uptime(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}
