// Package userid derives the deterministic, per-application user identity
// described in spec §3/§6: the same human identifier resolves to the same
// UUID regardless of which device or client created it.
package userid

import "github.com/google/uuid"

// AppID is the stable per-application namespace string. A real deployment
// would set this from build-time configuration; it must never change once
// users exist, since changing it changes every derived user id.
const AppID = "docsync"

var appNamespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte(AppID))

// Derive computes user_id = uuidv5(uuidv5(DNS_NS, APP_ID), identifier).
func Derive(identifier string) uuid.UUID {
	return uuid.NewSHA1(appNamespace, []byte(identifier))
}
