// Package discover finds the server's public address, used to build the
// Endpoint in client bundles when none is configured. It asks the OpenDNS
// resolvers for myip.opendns.com, which answer with the querier's source
// address.
package discover

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// ErrUnknown means no resolver answered; the caller must supply an
// endpoint explicitly.
var ErrUnknown = errors.New("public address could not be discovered")

const myipName = "myip.opendns.com."

var defaultResolvers = []string{
	"resolver1.opendns.com:53",
	"resolver2.opendns.com:53",
}

type Discoverer struct {
	// Resolvers to ask, in order. Empty means the OpenDNS resolvers.
	Resolvers []string
	Timeout   time.Duration
}

// PublicAddress returns the first answer any resolver gives, or ErrUnknown
// (wrapping the last failure) when all of them fail.
func (d *Discoverer) PublicAddress() (net.IP, error) {
	resolvers := d.Resolvers
	if len(resolvers) == 0 {
		resolvers = defaultResolvers
	}
	client := new(dns.Client)
	if d.Timeout != 0 {
		client.Timeout = d.Timeout
	}
	m := new(dns.Msg)
	m.SetQuestion(myipName, dns.TypeA)
	var lastErr error
	for _, resolver := range resolvers {
		in, _, err := client.Exchange(m, resolver)
		if err != nil {
			zap.S().Debugf("resolver %s: %s", resolver, err)
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("resolver %s: rcode %s", resolver, dns.RcodeToString[in.Rcode])
			continue
		}
		for _, rr := range in.Answer {
			if a, ok := rr.(*dns.A); ok {
				zap.S().Debugf("resolver %s says public address is %s.", resolver, a.A)
				return a.A, nil
			}
		}
		lastErr = fmt.Errorf("resolver %s: no A record in answer", resolver)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, lastErr)
	}
	return nil, ErrUnknown
}
