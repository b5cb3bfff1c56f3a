// Package events publishes installation progress to NATS.
//
// Every notification of a session is published as a JSON document on the
// subject "fwforge.install.<session id>". Publishing is best effort: a broker
// outage is logged and never affects the session.
package events
