package policy

import "testing"

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern string
		input   string
		want    bool
	}{
		{"*", "anything(x, y)", true},
		{"ha_get_state", "ha_get_state", true},
		{"ha_get_state", "ha_get_stateX", false},
		{"ha_call_service(lock.*)", "ha_call_service(lock.unlock, lock.front)", true},
		{"ha_call_service(lock.*)", "ha_call_service(switch.toggle)", false},
		{"get_*", "get_weather", true},
		{"get_*", "set_weather", false},
		{"light.???", "light.abc", true},
		{"light.???", "light.ab", false},
		{"lock.[fb]*", "lock.front", true},
		{"lock.[fb]*", "lock.back", true},
		{"lock.[fb]*", "lock.garage", false},
		{"lock.[!f]*", "lock.back", true},
		{"lock.[!f]*", "lock.front", false},
	}
	for _, c := range cases {
		got := matchGlob(c.pattern, c.input)
		if got != c.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", c.pattern, c.input, got, c.want)
		}
	}
}
