package circuit

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/cvsouth/torcore/cell"
	"github.com/cvsouth/torcore/descriptor"
	"github.com/cvsouth/torcore/ntor"
	"github.com/cvsouth/torcore/onion"
)

// Extend extends the circuit through an additional relay using EXTEND2/EXTENDED2.
// The EXTEND2 is sent as a RELAY_EARLY cell. While the extend is in flight the
// circuit is marked BUILDING: SendRelay calls from other goroutines are
// queued rather than interleaved with the handshake, and flushed once the
// new hop is confirmed.
func (c *Circuit) Extend(relayInfo *descriptor.RelayInfo, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	c.beginExtend()
	defer c.endExtend(logger)

	hs, err := ntor.NewHandshake(relayInfo.NodeID, relayInfo.NtorOnionKey)
	if err != nil {
		return fmt.Errorf("ntor handshake init: %w", err)
	}
	defer hs.Close()

	clientData := hs.ClientData()
	extendPayload, err := buildExtend2Payload(relayInfo, clientData)
	if err != nil {
		return fmt.Errorf("build EXTEND2 payload: %w", err)
	}

	if err := c.SendRelayEarly(RelayExtend2, 0, extendPayload); err != nil {
		return fmt.Errorf("send EXTEND2: %w", err)
	}
	logger.Debug("sent EXTEND2", "to", relayInfo.Address)

	_, relayCmd, _, data, err := c.ReceiveRelay()
	if err != nil {
		return fmt.Errorf("receive EXTENDED2: %w", err)
	}
	if relayCmd != RelayExtended2 {
		return fmt.Errorf("expected EXTENDED2 (15), got relay command %d", relayCmd)
	}

	extended, err := cell.ParseExtended2Payload(data)
	if err != nil {
		return fmt.Errorf("parse EXTENDED2: %w", err)
	}
	var serverData [64]byte
	copy(serverData[:], extended.HData)

	km, err := hs.Complete(serverData)
	if err != nil {
		return fmt.Errorf("ntor complete for new hop: %w", err)
	}

	hop, err := onion.NewCryptoState(km)
	clear(km.Kf[:])
	clear(km.Kb[:])
	clear(km.Df[:])
	clear(km.Db[:])
	if err != nil {
		return fmt.Errorf("init new hop crypto state: %w", err)
	}

	c.AddHop(hop)
	logger.Info("circuit extended", "hops", len(c.Hops))
	return nil
}

func buildExtend2Payload(relayInfo *descriptor.RelayInfo, clientData [84]byte) ([]byte, error) {
	var specs []cell.Extend2LinkSpecifier

	if ip4 := net.ParseIP(relayInfo.Address).To4(); ip4 != nil {
		data := make([]byte, 6)
		copy(data[0:4], ip4)
		data[4] = byte(relayInfo.ORPort >> 8)
		data[5] = byte(relayInfo.ORPort)
		specs = append(specs, cell.Extend2LinkSpecifier{Type: cell.LinkSpecIPv4, Data: data})
	} else {
		return nil, fmt.Errorf("invalid IPv4 address for relay: %s", relayInfo.Address)
	}

	specs = append(specs, cell.Extend2LinkSpecifier{Type: cell.LinkSpecLegacyID, Data: relayInfo.NodeID[:]})

	return cell.MakeExtend2Payload(cell.Extend2Payload{
		LinkSpecifiers: specs,
		HType:          cell.NtorHType,
		HData:          clientData[:],
	})
}
