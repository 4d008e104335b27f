package v1

import (
	"errors"
	"testing"
)

func TestDiscriminator(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		named   bool
		wantErr bool
	}{
		{in: `{"type":"force_logout"}`, want: TypeForceLogout},
		{in: `{"type":"event","event":"order_assigned"}`, want: "order_assigned", named: true},
		{in: `{"event":"new_notification","notification":{}}`, want: TypeNewNotification, named: true},
		{in: `{"type":"incoming_call","event":"ignored"}`, want: TypeIncomingCall},
		{in: `{"type":"event"}`, want: TypeEvent},
		{in: `{"type":"something_new"}`, want: "something_new"},
		{in: `[1,2]`, wantErr: true},
		{in: `{nope`, wantErr: true},
	}

	for _, tc := range cases {
		got, err := Discriminator([]byte(tc.in))
		if tc.wantErr {
			if !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("%s: err=%v want ErrMalformedFrame", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%s: got=%q err=%v want %q", tc.in, got, err, tc.want)
		}
		if IsNamedEvent([]byte(tc.in)) != tc.named {
			t.Fatalf("%s: IsNamedEvent=%v want %v", tc.in, !tc.named, tc.named)
		}
	}
}

func TestDomainEventNames(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]bool{
		TypeContactsChanged:    true,
		"order_status_changed": true,
		StatusChangedSuffix:    false,
		"something_new":        false,
	} {
		if got := IsDomainEvent(name); got != want {
			t.Fatalf("IsDomainEvent(%q)=%v want %v", name, got, want)
		}
	}
}
