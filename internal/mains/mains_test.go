package mains

import "testing"

func TestFrequencyForTimezone(t *testing.T) {
	cases := []struct {
		timezone string
		want     int
	}{
		// 50Hz grids
		{"Europe/London", 50},
		{"Europe/Paris", 50},
		{"Europe/Berlin", 50},
		{"Australia/Sydney", 50},
		{"Asia/Shanghai", 50},
		{"Asia/Tokyo", 50}, // Japan defaults to the 50Hz (Tokyo) side

		// 60Hz grids
		{"America/New_York", 60},
		{"America/Los_Angeles", 60},
		{"America/Toronto", 60},
		{"America/Mexico_City", 60},
		{"America/Bogota", 60},
		{"America/Sao_Paulo", 60},
		{"America/Lima", 60},
		{"Asia/Seoul", 60},
		{"Asia/Taipei", 60},
		{"Asia/Manila", 60},

		// No country association
		{"UTC", 50},
		{"GMT", 50},
		{"Etc/UTC", 50},
	}

	for _, tc := range cases {
		t.Run(tc.timezone, func(t *testing.T) {
			if got := FrequencyForTimezone(tc.timezone); got != tc.want {
				t.Errorf("FrequencyForTimezone(%q) = %d, want %d", tc.timezone, got, tc.want)
			}
		})
	}
}

// The runtime path must always land on a notchable frequency, whatever the
// host's timezone database says.
func TestFrequency(t *testing.T) {
	if freq := Frequency(); freq != 50 && freq != 60 {
		t.Errorf("Frequency() = %d, want 50 or 60", freq)
	}
}
