package udev

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Netlink multicast groups of NETLINK_KOBJECT_UEVENT.
const (
	GroupKernel = 1
	GroupUdev   = 2
)

// udevMagic tags messages udevd rebroadcasts after processing.
const udevMagic = 0xfeedcafe

// headerSize is the size of the libudev monitor header: an 8 byte
// "libudev" prefix followed by eight 32-bit fields.
const headerSize = 8 + 8*4

const receiveBufferSize = 128 * 1024 * 1024

// Monitor receives device events from the udev netlink group.
type Monitor struct {
	fd      int
	sysRoot string
	// Tag, when set, drops events for devices that do not carry it.
	Tag string
}

// NewMonitor opens a netlink socket subscribed to group.
func NewMonitor(group uint32) (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("udev: netlink socket: %w", err)
	}
	// Best effort; udevd bursts at coldplug.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, receiveBufferSize)
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: group}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("udev: bind netlink group %d: %w", group, err)
	}
	return &Monitor{fd: fd, sysRoot: "/sys", Tag: "systemd"}, nil
}

// Receive waits up to timeout for the next event. It returns nil and
// no error when the timeout passes or a message is dropped.
func (m *Monitor) Receive(timeout time.Duration) (*Device, error) {
	fds := []unix.PollFd{{Fd: int32(m.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("udev: poll: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	buf := make([]byte, 16*1024)
	n, from, err := unix.Recvfrom(m.fd, buf, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("udev: receive: %w", err)
	}
	if nl, ok := from.(*unix.SockaddrNetlink); ok && nl.Groups == GroupKernel && nl.Pid != 0 {
		// Kernel messages always come from pid 0.
		return nil, nil
	}
	props, err := ParseMessage(buf[:n])
	if err != nil {
		return nil, err
	}
	d, err := FromProperties(m.sysRoot, props)
	if err != nil {
		return nil, err
	}
	if m.Tag != "" && !d.HasTag(m.Tag) {
		return nil, nil
	}
	return d, nil
}

// Close closes the socket.
func (m *Monitor) Close() error {
	return unix.Close(m.fd)
}

// ParseMessage decodes one uevent datagram. Both the kernel's
// "action@devpath" framing and udevd's libudev framing are accepted.
func ParseMessage(msg []byte) (map[string]string, error) {
	var body []byte
	switch {
	case bytes.HasPrefix(msg, []byte("libudev\x00")):
		if len(msg) < headerSize {
			return nil, fmt.Errorf("udev: short message (%d bytes)", len(msg))
		}
		if magic := binary.BigEndian.Uint32(msg[8:12]); magic != udevMagic {
			return nil, fmt.Errorf("udev: bad magic %#x", magic)
		}
		off := binary.NativeEndian.Uint32(msg[16:20])
		length := binary.NativeEndian.Uint32(msg[20:24])
		if uint64(off)+uint64(length) > uint64(len(msg)) || off < headerSize {
			return nil, fmt.Errorf("udev: properties out of bounds")
		}
		body = msg[off : off+length]
	default:
		head, rest, ok := bytes.Cut(msg, []byte{0})
		if !ok || !bytes.Contains(head, []byte("@/")) {
			return nil, fmt.Errorf("udev: unrecognized message")
		}
		body = rest
	}

	props := make(map[string]string)
	for _, field := range bytes.Split(body, []byte{0}) {
		if len(field) == 0 {
			continue
		}
		k, v, ok := strings.Cut(string(field), "=")
		if !ok {
			continue
		}
		props[k] = v
	}
	if props["ACTION"] == "" || props["DEVPATH"] == "" {
		return nil, fmt.Errorf("udev: message without ACTION or DEVPATH")
	}
	return props, nil
}
