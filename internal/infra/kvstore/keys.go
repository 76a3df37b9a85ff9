package kvstore

import "strings"

// Namespace separates key categories. Every key the bot writes starts with
// "bot:<namespace>:", so categories sharing a raw value space never collide.
type Namespace string

const (
	NamespaceSession   Namespace = "session"
	NamespaceAuthIndex Namespace = "authindex"
	NamespaceCache     Namespace = "cache"
	NamespaceStats     Namespace = "stats"
)

const keyRoot = "bot"

// Key joins parts under the namespace prefix.
func Key(ns Namespace, parts ...string) string {
	var b strings.Builder
	b.WriteString(keyRoot)
	b.WriteByte(':')
	b.WriteString(string(ns))
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

// Prefix returns the scan prefix for keys built with Key(ns, parts...).
func Prefix(ns Namespace, parts ...string) string {
	return Key(ns, parts...) + ":"
}
