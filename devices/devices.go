// Package devices finds Cast receivers on the local network over mDNS.
package devices

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/pkg/errors"
)

const (
	googlecastService = "_googlecast._tcp"
	// DefaultPort is the Cast v2 TLS port.
	DefaultPort = 8009
	// CapabilityVideoOut is bit 0 of the ca= TXT field.
	CapabilityVideoOut = 1
	// DefaultTimeout bounds a single discovery round.
	DefaultTimeout = 3 * time.Second
)

var (
	ErrNoDeviceAvailable  = errors.New("Discover: No available Cast receivers")
	ErrDeviceNotAvailable = errors.New("devicePicker: Requested device not available")
)

// Swapped out in tests.
var (
	mdnsQuery = mdns.Query
	hostAlive = HostPortIsAlive
)

// Device is a discovered receiver.
type Device struct {
	Name        string
	Addr        string // host:port
	IsAudioOnly bool
}

func (d Device) String() string {
	if d.IsAudioOnly {
		return fmt.Sprintf("%s (audio) %s", d.Name, d.Addr)
	}
	return fmt.Sprintf("%s %s", d.Name, d.Addr)
}

// Discover queries every active interface for timeout and returns the
// receivers found, sorted by name.
func Discover(ctx context.Context, timeout time.Duration) ([]Device, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	found := make(map[string]Device)
	entriesCh := make(chan *mdns.ServiceEntry, 256)
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		for entry := range entriesCh {
			if d, ok := deviceFromEntry(entry); ok {
				found[d.Addr] = d
			}
		}
	}()

	queryIface := func(iface *net.Interface) {
		params := mdns.DefaultParams(googlecastService)
		params.Entries = entriesCh
		params.Timeout = timeout
		params.DisableIPv6 = true
		params.WantUnicastResponse = true
		params.Logger = log.New(io.Discard, "", 0)
		params.Interface = iface
		_ = mdnsQuery(params)
	}

	interfaces := activeInterfaces()
	if len(interfaces) > 0 {
		var wg sync.WaitGroup
		for _, iface := range interfaces {
			wg.Add(1)
			go func(iface net.Interface) {
				defer wg.Done()
				queryIface(&iface)
			}(iface)
		}
		wg.Wait()
	} else {
		queryIface(nil)
	}

	close(entriesCh)
	<-doneCh

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list := reachable(found)
	if len(list) == 0 {
		return nil, ErrNoDeviceAvailable
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].Addr < list[j].Addr
	})

	return list, nil
}

// Pick returns the nth (1-based) device.
func Pick(list []Device, n int) (Device, error) {
	if n <= 0 || n > len(list) {
		return Device{}, ErrDeviceNotAvailable
	}
	return list[n-1], nil
}

// Find matches query against friendly names (case-insensitive) and
// addresses. An empty query selects the first device.
func Find(list []Device, query string) (Device, error) {
	if len(list) == 0 {
		return Device{}, ErrNoDeviceAvailable
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return list[0], nil
	}
	for _, d := range list {
		if strings.EqualFold(d.Name, query) || d.Addr == query {
			return d, nil
		}
	}
	return Device{}, errors.Wrapf(ErrDeviceNotAvailable, "no receiver named %q", query)
}

// Resolve turns a device setting into a dialable host:port. Addresses are
// used as they are; anything else is looked up by name through discovery.
func Resolve(ctx context.Context, query string, timeout time.Duration) (Device, error) {
	if addr, ok := asAddress(query); ok {
		return Device{Name: query, Addr: addr}, nil
	}

	list, err := Discover(ctx, timeout)
	if err != nil {
		return Device{}, err
	}
	return Find(list, query)
}

func asAddress(query string) (string, bool) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", false
	}
	if host, port, err := net.SplitHostPort(query); err == nil {
		if _, err := strconv.Atoi(port); err == nil && host != "" {
			return query, true
		}
		return "", false
	}
	if ip := net.ParseIP(query); ip != nil {
		return net.JoinHostPort(query, strconv.Itoa(DefaultPort)), true
	}
	if strings.HasSuffix(query, ".local") {
		return net.JoinHostPort(query, strconv.Itoa(DefaultPort)), true
	}
	return "", false
}

func deviceFromEntry(entry *mdns.ServiceEntry) (Device, bool) {
	if entry == nil || entry.AddrV4 == nil {
		return Device{}, false
	}
	if !strings.Contains(entry.Name, "_googlecast") {
		return Device{}, false
	}

	d := Device{
		Name: entry.Name,
		Addr: net.JoinHostPort(entry.AddrV4.String(), strconv.Itoa(entry.Port)),
	}

	for _, txt := range entry.InfoFields {
		if after, ok := strings.CutPrefix(txt, "fn="); ok {
			d.Name = after
		}
		if after, ok := strings.CutPrefix(txt, "ca="); ok {
			d.IsAudioOnly = isAudioOnly(after)
		}
	}

	if idx := strings.Index(d.Name, "._googlecast"); idx > 0 {
		d.Name = d.Name[:idx]
	}

	return d, true
}

// activeInterfaces returns interfaces that are up, multicast-capable, not
// loopback and carry an IPv4 address.
func activeInterfaces() []net.Interface {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var active []net.Interface
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 ||
			iface.Flags&net.FlagLoopback != 0 ||
			iface.Flags&net.FlagMulticast == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				active = append(active, iface)
				break
			}
		}
	}

	return active
}

// reachable drops announced receivers that no longer accept connections.
// Stale mDNS caches keep unplugged devices around for a while.
func reachable(found map[string]Device) []Device {
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		list = make([]Device, 0, len(found))
	)
	for _, d := range found {
		wg.Add(1)
		go func(d Device) {
			defer wg.Done()
			if !hostAlive(d.Addr) {
				return
			}
			mu.Lock()
			list = append(list, d)
			mu.Unlock()
		}(d)
	}
	wg.Wait()
	return list
}

// HostPortIsAlive reports whether a TCP connection to address succeeds
// within two seconds.
func HostPortIsAlive(address string) bool {
	conn, err := net.DialTimeout("tcp", address, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// isAudioOnly reads the ca= capability bitmask. Unparsable values are
// treated as video capable.
func isAudioOnly(caField string) bool {
	ca, err := strconv.Atoi(caField)
	if err != nil {
		return false
	}
	return ca&CapabilityVideoOut == 0
}
