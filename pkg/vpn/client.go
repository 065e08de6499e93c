package vpn

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/songgao/water"

	"github.com/burrowvpn/burrow/pkg/config"
	"github.com/burrowvpn/burrow/pkg/log"
)

const reconnectDelay = 3 * time.Second

// errDevice marks virtual device failures, which are fatal to the client
// process rather than a reason to reconnect.
var errDevice = errors.New("device failure")

// Client connects to a server, authenticates, configures the local TUN
// device with the assigned address and relays packets until the tunnel or
// the context ends.
type Client struct {
	cfg   *config.ClientConfig
	drops dropLog
}

func NewClient(cfg *config.ClientConfig) *Client {
	return &Client{cfg: cfg}
}

// Run keeps the tunnel up, reconnecting with a fixed delay when the server
// goes away. A rejected handshake or a device failure is terminal.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		var rejected *ErrServerRejected
		if errors.As(err, &rejected) || errors.Is(err, errDevice) {
			return err
		}
		log.LOG.Errorf("tunnel down, reconnecting in %s: %v", reconnectDelay, err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	tlsConf, err := clientTLSConfig(c.cfg.CAFile, c.cfg.InsecureSkipVerify)
	if err != nil {
		return err
	}
	conn, err := quic.DialAddr(ctx, c.cfg.Server, tlsConf, &quic.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: c.cfg.KeepAlive.Std(),
		MaxIdleTimeout:  c.cfg.IdleTimeout.Std(),
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Server, err)
	}
	defer conn.CloseWithError(closeCodeOK, "client shutdown")
	log.LOG.Infof("connected to %s", c.cfg.Server)

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open control stream: %w", err)
	}
	assigned, mtu, err := authenticateClient(stream, c.cfg.Username, c.cfg.Password)
	stream.Close()
	if err != nil {
		return err
	}
	log.LOG.Infof("authenticated, assigned %s, mtu %d", assigned, mtu)

	devConfig := water.Config{DeviceType: water.TUN}
	devConfig.Name = c.cfg.TunName
	dev, err := water.New(devConfig)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", errDevice, c.cfg.TunName, err)
	}
	defer dev.Close()
	if err := c.configureDevice(dev.Name(), assigned, mtu); err != nil {
		return fmt.Errorf("%w: %v", errDevice, err)
	}

	return c.relayPackets(ctx, conn, dev, mtu)
}

// configureDevice brings the TUN device up with the assigned address and
// installs any extra routes through the tunnel.
func (c *Client) configureDevice(name string, assigned netip.Prefix, mtu int) error {
	if err := SetDevAddr(name, assigned); err != nil {
		return fmt.Errorf("assign %s to %s: %w", assigned, name, err)
	}
	if err := SetDevMTU(name, mtu); err != nil {
		return err
	}
	if err := SetDevUp(name); err != nil {
		return err
	}
	for _, r := range c.cfg.Routes {
		prefix, err := netip.ParsePrefix(r)
		if err != nil {
			return err
		}
		if err := AddRoute(name, prefix); err != nil {
			return fmt.Errorf("route %s via %s: %w", prefix, name, err)
		}
		log.LOG.Infof("routing %s through %s", prefix, name)
	}
	return nil
}

// relayPackets runs the two pumps until either fails or ctx ends. The
// client forwards everything through its single session; no source check
// is needed with only one counterparty.
func (c *Client) relayPackets(ctx context.Context, conn quic.Connection, dev Device, mtu int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- c.deviceToTunnel(conn, dev, mtu) }()
	go func() { errCh <- c.tunnelToDevice(ctx, conn, dev) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (c *Client) deviceToTunnel(conn quic.Connection, dev Device, mtu int) error {
	for {
		buf := make([]byte, tunPacketBuffSize)
		n, err := dev.Read(buf)
		if err != nil {
			return fmt.Errorf("%w: read: %v", errDevice, err)
		}
		if n == 0 {
			continue
		}
		if n > mtu {
			c.drops.logf("oversize", "dropping %d byte packet exceeding mtu %d", n, mtu)
			continue
		}
		if err := conn.SendDatagram(buf[:n]); err != nil {
			if conn.Context().Err() != nil {
				return fmt.Errorf("tunnel closed: %w", err)
			}
			c.drops.logf("send", "send failed: %v", err)
		}
	}
}

func (c *Client) tunnelToDevice(ctx context.Context, conn quic.Connection, dev Device) error {
	for {
		data, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return fmt.Errorf("tunnel closed: %w", err)
		}
		if _, err := dev.Write(data); err != nil {
			return fmt.Errorf("%w: write: %v", errDevice, err)
		}
	}
}
