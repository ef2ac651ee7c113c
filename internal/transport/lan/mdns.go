package lan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// ServiceName is the DNS-SD service type nodes announce.
const ServiceName = "_shardmesh._tcp.local."

var mdnsGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// Endpoint is a gossip address found by browsing.
type Endpoint struct {
	NodeID string
	IP     net.IP
	Port   int
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(e.Port))
}

func instanceName(nodeID string) string {
	return dns.Fqdn(nodeID + "." + ServiceName)
}

func hostName(nodeID string) string {
	return dns.Fqdn(nodeID + ".local")
}

// buildQuery asks for PTR records of the service.
func buildQuery(service string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(service), dns.TypePTR)
	m.RecursionDesired = false
	return m
}

// buildResponse answers a PTR query for our service with PTR, SRV, TXT and
// A records. It returns nil if the query is not for us.
func buildResponse(query *dns.Msg, nodeID string, ip net.IP, port int) *dns.Msg {
	asked := false
	for _, q := range query.Question {
		if strings.EqualFold(q.Name, ServiceName) && (q.Qtype == dns.TypePTR || q.Qtype == dns.TypeANY) {
			asked = true
		}
	}
	if !asked {
		return nil
	}

	const ttl = 120
	inst := instanceName(nodeID)
	host := hostName(nodeID)

	resp := new(dns.Msg)
	resp.SetReply(query)
	resp.Authoritative = true
	resp.Answer = []dns.RR{
		&dns.PTR{Hdr: dns.RR_Header{Name: ServiceName, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: ttl}, Ptr: inst},
	}
	resp.Extra = []dns.RR{
		&dns.SRV{Hdr: dns.RR_Header{Name: inst, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: ttl}, Target: host, Port: uint16(port)},
		&dns.TXT{Hdr: dns.RR_Header{Name: inst, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: ttl}, Txt: []string{"id=" + nodeID}},
	}
	if v4 := ip.To4(); v4 != nil {
		resp.Extra = append(resp.Extra, &dns.A{Hdr: dns.RR_Header{Name: host, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl}, A: v4})
	}
	return resp
}

// parseResponse extracts endpoints from an answer. Records may arrive in
// any section.
func parseResponse(m *dns.Msg) []Endpoint {
	records := make([]dns.RR, 0, len(m.Answer)+len(m.Extra))
	records = append(records, m.Answer...)
	records = append(records, m.Ns...)
	records = append(records, m.Extra...)

	srv := make(map[string]*dns.SRV)
	ids := make(map[string]string)
	addrs := make(map[string]net.IP)
	for _, rr := range records {
		switch r := rr.(type) {
		case *dns.SRV:
			srv[r.Hdr.Name] = r
		case *dns.TXT:
			for _, kv := range r.Txt {
				if id, ok := strings.CutPrefix(kv, "id="); ok {
					ids[r.Hdr.Name] = id
				}
			}
		case *dns.A:
			addrs[r.Hdr.Name] = r.A
		}
	}

	var out []Endpoint
	for inst, s := range srv {
		ip, ok := addrs[s.Target]
		if !ok {
			continue
		}
		id := ids[inst]
		if id == "" {
			id = strings.TrimSuffix(inst, "."+ServiceName)
		}
		out = append(out, Endpoint{NodeID: id, IP: ip, Port: int(s.Port)})
	}
	return out
}

// Browse sends a DNS-SD query to the mDNS group and collects answers until
// timeout.
func Browse(ctx context.Context, service string, timeout time.Duration) ([]Endpoint, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("mdns: listen: %w", err)
	}
	defer conn.Close()

	query, err := buildQuery(service).Pack()
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteToUDP(query, mdnsGroup); err != nil {
		return nil, fmt.Errorf("mdns: send query: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetReadDeadline(deadline)

	seen := make(map[string]bool)
	var out []Endpoint
	buf := make([]byte, 9000)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return out, nil
			}
			return out, err
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil || !msg.Response {
			continue
		}
		for _, e := range parseResponse(msg) {
			if !seen[e.Addr()] {
				seen[e.Addr()] = true
				out = append(out, e)
			}
		}
	}
}

// responder answers DNS-SD queries on the mDNS group.
type responder struct {
	nodeID string
	ip     net.IP
	port   int
	conn   *net.UDPConn
	logger *slog.Logger

	wg   sync.WaitGroup
	once sync.Once
}

func newResponder(nodeID string, ip net.IP, port int, logger *slog.Logger) (*responder, error) {
	conn, err := net.ListenMulticastUDP("udp4", nil, mdnsGroup)
	if err != nil {
		return nil, fmt.Errorf("mdns: join group: %w", err)
	}
	r := &responder{nodeID: nodeID, ip: ip, port: port, conn: conn, logger: logger}
	r.wg.Add(1)
	go r.serve()
	return r, nil
}

func (r *responder) serve() {
	defer r.wg.Done()

	buf := make([]byte, 9000)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		query := new(dns.Msg)
		if err := query.Unpack(buf[:n]); err != nil || query.Response {
			continue
		}
		resp := buildResponse(query, r.nodeID, r.ip, r.port)
		if resp == nil {
			continue
		}
		out, err := resp.Pack()
		if err != nil {
			continue
		}
		// Unicast back to the querier's ephemeral port.
		if _, err := r.conn.WriteToUDP(out, src); err != nil {
			r.logger.Debug("mdns reply failed", "to", src.String(), "error", err)
		}
	}
}

func (r *responder) Close() {
	r.once.Do(func() {
		r.conn.Close()
		r.wg.Wait()
	})
}
