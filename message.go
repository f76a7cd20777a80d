package dohgw

import "github.com/miekg/dns"

// qName returns the query name from a DNS query, or "" if it has no question.
func qName(q *dns.Msg) string {
	if len(q.Question) == 0 {
		return ""
	}
	return q.Question[0].Name
}

// qType returns the query type, or 0 if it has no question.
func qType(q *dns.Msg) uint16 {
	if len(q.Question) == 0 {
		return 0
	}
	return q.Question[0].Qtype
}

// nxdomain builds an NXDOMAIN answer for a query.
func nxdomain(q *dns.Msg) *dns.Msg {
	a := new(dns.Msg)
	a.SetReply(q)
	a.SetRcode(q, dns.RcodeNameError)
	return a
}

// servfail builds a SERVFAIL answer for a query.
func servfail(q *dns.Msg) *dns.Msg {
	a := new(dns.Msg)
	a.SetReply(q)
	a.SetRcode(q, dns.RcodeServerFailure)
	return a
}
