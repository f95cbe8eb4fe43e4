// Package trust implements the trust-on-first-use known-hosts store.
//
// The store persists server public keys per endpoint in a plain text
// file (default ~/.ascii-chat/known_hosts) in the SSH known_hosts
// spirit. On first contact an endpoint is unknown and the caller
// decides whether to pin its key; on later contacts the pinned key
// either verifies or mismatches. The store is pure persistence: it
// never prompts, the caller owns the trust decision.
package trust
