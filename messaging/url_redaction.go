package messaging

import (
	"net/url"
	"strings"
)

// #nosec G101 -- Placeholder text for redacted URLs, not actual credentials
const redactedAMQPPlaceholder = "amqp://****:****@<host>:<port>/<vhost>"

// redactAMQPURL masks the password of an AMQP URL for logging. The user name
// is kept. Anything that does not parse as an amqp or amqps URL with a host
// becomes a placeholder.
func redactAMQPURL(amqpURL string) string {
	u, err := url.Parse(amqpURL)
	if err != nil || (u.Scheme != "amqp" && u.Scheme != "amqps") || u.Host == "" {
		return redactedAMQPPlaceholder
	}

	userInfo := "****:****"
	if u.User != nil && u.User.Username() != "" {
		userInfo = u.User.Username() + ":****"
	}

	// Built by hand so the asterisks are not escaped.
	var b strings.Builder
	b.WriteString(u.Scheme + "://" + userInfo + "@" + u.Host)
	if u.RawPath != "" {
		b.WriteString(u.RawPath)
	} else {
		b.WriteString(u.Path)
	}
	if u.RawQuery != "" {
		b.WriteString("?" + u.RawQuery)
	}
	return b.String()
}
