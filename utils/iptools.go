package utils

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"syscall"
)

// FirstListenPort is where the relay port search starts.
const FirstListenPort = 3500

// ListenAddrFor picks the local IP that routes to target and a free TCP
// port on it. target is a host:port, a bare host or a URL.
func ListenAddrFor(target string) (string, error) {
	callAddr, err := dialTarget(target)
	if err != nil {
		return "", fmt.Errorf("ListenAddrFor parse error: %w", err)
	}

	conn, err := net.Dial("udp", callAddr)
	if err != nil {
		return "", fmt.Errorf("ListenAddrFor UDP call error: %w", err)
	}
	defer conn.Close()

	ipToListen := conn.LocalAddr().(*net.UDPAddr).IP.String()
	portToListen, err := checkAndPickPort(ipToListen, FirstListenPort)
	if err != nil {
		return "", fmt.Errorf("ListenAddrFor port error: %w", err)
	}

	return net.JoinHostPort(ipToListen, portToListen), nil
}

func dialTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", errors.New("empty target")
	}

	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", err
		}
		if u.Port() != "" {
			return u.Host, nil
		}
		switch u.Scheme {
		case "https":
			return net.JoinHostPort(u.Hostname(), "443"), nil
		default:
			return net.JoinHostPort(u.Hostname(), "80"), nil
		}
	}

	if _, _, err := net.SplitHostPort(target); err == nil {
		return target, nil
	}
	return net.JoinHostPort(target, "8009"), nil
}

func checkAndPickPort(ip string, port int) (string, error) {
	const maxAttempts = 1000
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn, err := net.Listen("tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
		if err != nil {
			if errors.Is(err, syscall.EADDRINUSE) {
				if attempt == maxAttempts {
					break
				}
				port++
				continue
			}

			return "", fmt.Errorf("port pick error: %w", err)
		}
		conn.Close()
		return strconv.Itoa(port), nil
	}

	return "", fmt.Errorf("port pick error. Exceeded maximum attempts")
}
