// Package mdns declares the service-advertising collaborator the receiver
// core depends on but never implements (§6): actually publishing
// _raop._tcp/_airplay._tcp Bonjour records is the daemonization wrapper's
// job, the same way the teacher leaves the Cloudflare Calls API and Nest
// camera control behind the pkg/cloudflare and pkg/nest client interfaces
// rather than inlining HTTP calls into pkg/relay.
package mdns

// Advertiser publishes and withdraws the receiver's Bonjour service
// records. primary is the `_raop._tcp` TXT record set (device identity,
// feature bitmask, pairing state); secondary is the `_airplay._tcp` TXT
// record set. Both are plain key/value maps so this package stays free of
// any concrete mDNS library dependency.
type Advertiser interface {
	// Register publishes both service records for the first time.
	Register(primary, secondary map[string]string) error

	// Update republishes changed TXT records, e.g. when pairing state
	// flips or a client connects/disconnects and the feature bitmask
	// changes. Implementations may no-op if nothing actually changed.
	Update(primary, secondary map[string]string) error

	// Unregister withdraws both records, e.g. at graceful shutdown.
	Unregister() error
}
