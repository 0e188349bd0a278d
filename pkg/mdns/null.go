package mdns

import "github.com/rs/zerolog"

// Null is a no-op Advertiser that only logs what it would have published.
// It lets cmd/airplayd run the full receiver pipeline without linking a
// real Bonjour/mDNS-SD responder, the same role pkg/backend.Null plays for
// audio output.
type Null struct {
	log zerolog.Logger
}

// NewNull returns a Null advertiser that logs at log.
func NewNull(log zerolog.Logger) *Null { return &Null{log: log} }

func (n *Null) Register(primary, secondary map[string]string) error {
	n.log.Debug().Interface("raop", primary).Interface("airplay", secondary).Msg("mdns: register (no-op)")
	return nil
}

func (n *Null) Update(primary, secondary map[string]string) error {
	n.log.Debug().Interface("raop", primary).Interface("airplay", secondary).Msg("mdns: update (no-op)")
	return nil
}

func (n *Null) Unregister() error {
	n.log.Debug().Msg("mdns: unregister (no-op)")
	return nil
}
