package circuit

import (
	"bytes"
	"testing"

	"github.com/cvsouth/torcore/cell"
	"github.com/cvsouth/torcore/descriptor"
)

func TestBuildExtend2Payload(t *testing.T) {
	info := &descriptor.RelayInfo{
		Address: "1.2.3.4",
		ORPort:  9001,
	}
	for i := range info.NodeID {
		info.NodeID[i] = byte(i)
	}

	var clientData [84]byte
	for i := range clientData {
		clientData[i] = byte(i + 100)
	}

	raw, err := buildExtend2Payload(info, clientData)
	if err != nil {
		t.Fatalf("buildExtend2Payload: %v", err)
	}

	parsed, err := cell.ParseExtend2Payload(raw)
	if err != nil {
		t.Fatalf("ParseExtend2Payload: %v", err)
	}

	if len(parsed.LinkSpecifiers) != 2 {
		t.Fatalf("link specifier count = %d, want 2", len(parsed.LinkSpecifiers))
	}

	ipSpec := parsed.LinkSpecifiers[0]
	if ipSpec.Type != cell.LinkSpecIPv4 {
		t.Fatalf("spec[0] type = %d, want %d", ipSpec.Type, cell.LinkSpecIPv4)
	}
	wantIPPort := []byte{1, 2, 3, 4, 9001 >> 8, 9001 & 0xff}
	if !bytes.Equal(ipSpec.Data, wantIPPort) {
		t.Fatalf("spec[0] data = %v, want %v", ipSpec.Data, wantIPPort)
	}

	idSpec := parsed.LinkSpecifiers[1]
	if idSpec.Type != cell.LinkSpecLegacyID {
		t.Fatalf("spec[1] type = %d, want %d", idSpec.Type, cell.LinkSpecLegacyID)
	}
	if !bytes.Equal(idSpec.Data, info.NodeID[:]) {
		t.Fatalf("spec[1] nodeID = %v, want %v", idSpec.Data, info.NodeID[:])
	}

	if parsed.HType != cell.NtorHType {
		t.Fatalf("HType = %d, want %d", parsed.HType, cell.NtorHType)
	}
	if !bytes.Equal(parsed.HData, clientData[:]) {
		t.Fatalf("HData mismatch")
	}
}

func TestBuildExtend2PayloadRejectsNonIPv4(t *testing.T) {
	info := &descriptor.RelayInfo{Address: "not-an-ip", ORPort: 9001}
	var clientData [84]byte
	_, err := buildExtend2Payload(info, clientData)
	if err == nil {
		t.Fatal("expected error for non-IPv4 relay address")
	}
}
