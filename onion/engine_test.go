package onion

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"testing"

	"github.com/cvsouth/torcore/cell"
)

func testState(kfKey, kbKey byte, dfSeed, dbSeed byte) *CryptoState {
	kf := make([]byte, 16)
	kb := make([]byte, 16)
	for i := range kf {
		kf[i] = kfKey + byte(i)
		kb[i] = kbKey + byte(i)
	}
	iv := make([]byte, aes.BlockSize)

	fwdBlock, _ := aes.NewCipher(kf)
	bwdBlock, _ := aes.NewCipher(kb)

	df := sha1.New()
	df.Write([]byte{dfSeed})
	db := sha1.New()
	db.Write([]byte{dbSeed})

	return NewCryptoStateFromParts(cipher.NewCTR(fwdBlock, iv), cipher.NewCTR(bwdBlock, iv), df, db)
}

func TestEncryptLayersProducesEncryptedPayload(t *testing.T) {
	hop := testState(0x10, 0x20, 0xAA, 0xBB)
	rc := cell.RelayCell{RelayCmd: cell.RelayData, StreamID: 42, Payload: []byte("Hello, Tor relay!")}

	encrypted, err := EncryptLayers([]*CryptoState{hop}, rc)
	if err != nil {
		t.Fatalf("EncryptLayers: %v", err)
	}
	if len(encrypted) != cell.MaxPayloadLen {
		t.Fatalf("payload length = %d, want %d", len(encrypted), cell.MaxPayloadLen)
	}
	if encrypted[0] == cell.RelayData && encrypted[1] == 0 && encrypted[2] == 0 {
		t.Fatal("payload appears to be unencrypted")
	}
}

func TestEncryptLayersNoHops(t *testing.T) {
	_, err := EncryptLayers(nil, cell.RelayCell{RelayCmd: cell.RelayData})
	if err == nil {
		t.Fatal("expected error for empty hop list")
	}
}

func TestEncryptLayersPaddingIsRandomNotZero(t *testing.T) {
	// kf == kb lets us decrypt with a fresh matching cipher and inspect padding.
	hop := testState(0x10, 0x10, 0xAA, 0xAA)
	data := []byte("hi")
	encrypted, err := EncryptLayers([]*CryptoState{hop}, cell.RelayCell{RelayCmd: cell.RelayData, StreamID: 1, Payload: data})
	if err != nil {
		t.Fatalf("EncryptLayers: %v", err)
	}

	kf := make([]byte, 16)
	for i := range kf {
		kf[i] = 0x10 + byte(i)
	}
	iv := make([]byte, 16)
	block, _ := aes.NewCipher(kf)
	stream := cipher.NewCTR(block, iv)

	payload := make([]byte, cell.MaxPayloadLen)
	copy(payload, encrypted)
	stream.XORKeyStream(payload, payload)

	parsed, err := cell.ParseRelayCell(payload)
	if err != nil {
		t.Fatalf("ParseRelayCell: %v", err)
	}
	if !bytes.Equal(parsed.Payload, data) {
		t.Fatalf("decrypted relay payload = %q, want %q", parsed.Payload, data)
	}
	padding := payload[relayHeaderLen+len(data):]
	if bytes.Equal(padding, make([]byte, len(padding))) {
		t.Fatal("padding after the relay payload is all zero, want random bytes")
	}
}

func TestDecryptLayersRecognized(t *testing.T) {
	kbKey := make([]byte, 16)
	for i := range kbKey {
		kbKey[i] = byte(0x20 + i)
	}
	iv := make([]byte, aes.BlockSize)
	bwdEnc, _ := aes.NewCipher(kbKey)
	kbEncrypt := cipher.NewCTR(bwdEnc, iv)
	bwdDec, _ := aes.NewCipher(kbKey)
	kbDecrypt := cipher.NewCTR(bwdDec, iv)

	dbRelay := sha1.New()
	dbRelay.Write([]byte{0xBB})
	dbClient := sha1.New()
	dbClient.Write([]byte{0xBB})

	rc := cell.RelayCell{RelayCmd: cell.RelayData, StreamID: 7, Payload: []byte("hello")}
	payload, err := rc.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	dbRelay.Write(payload)
	digest := dbRelay.Sum(nil)
	copy(payload[5:9], digest[:4])
	kbEncrypt.XORKeyStream(payload, payload)

	kfKey := make([]byte, 16)
	fwdBlock, _ := aes.NewCipher(kfKey)
	hop := NewCryptoStateFromParts(cipher.NewCTR(fwdBlock, iv), kbDecrypt, sha1.New(), dbClient)

	hopIdx, parsed, err := DecryptLayers([]*CryptoState{hop}, payload)
	if err != nil {
		t.Fatalf("DecryptLayers: %v", err)
	}
	if hopIdx != 0 {
		t.Fatalf("hopIdx = %d, want 0", hopIdx)
	}
	if parsed.RelayCmd != cell.RelayData || parsed.StreamID != 7 {
		t.Fatalf("relay cell fields mismatch: %+v", parsed)
	}
	if !bytes.Equal(parsed.Payload, []byte("hello")) {
		t.Fatalf("data = %q, want %q", parsed.Payload, "hello")
	}
}

func TestDecryptLayersUnrecognized(t *testing.T) {
	hop := testState(0x10, 0x20, 0xAA, 0xBB)
	garbage := bytes.Repeat([]byte{0xFF}, cell.MaxPayloadLen)

	_, _, err := DecryptLayers([]*CryptoState{hop}, garbage)
	if err != cell.ErrUnrecognized {
		t.Fatalf("expected ErrUnrecognized, got %v", err)
	}
}

func TestEncryptDecryptRoundTripThroughThreeHops(t *testing.T) {
	// Client encrypts outbound to hop3 via hop1/hop2/hop3's forward keys;
	// decrypt side uses the same keys as backward keys (kf==kb per hop) to
	// simulate each relay peeling its layer in turn.
	hop1 := testState(0x10, 0x10, 0xA1, 0xA1)
	hop2 := testState(0x20, 0x20, 0xA2, 0xA2)
	hop3 := testState(0x30, 0x30, 0xA3, 0xA3)

	data := []byte("test multi-hop")
	encrypted, err := EncryptLayers([]*CryptoState{hop1, hop2, hop3}, cell.RelayCell{RelayCmd: cell.RelayData, StreamID: 42, Payload: data})
	if err != nil {
		t.Fatalf("EncryptLayers: %v", err)
	}
	if len(encrypted) != cell.MaxPayloadLen {
		t.Fatalf("payload length = %d, want %d", len(encrypted), cell.MaxPayloadLen)
	}

	decHop1 := testState(0x10, 0x10, 0xA1, 0xA1)
	decHop2 := testState(0x20, 0x20, 0xA2, 0xA2)
	decHop3 := testState(0x30, 0x30, 0xA3, 0xA3)

	hopIdx, parsed, err := DecryptLayers([]*CryptoState{decHop1, decHop2, decHop3}, encrypted)
	if err != nil {
		t.Fatalf("DecryptLayers: %v", err)
	}
	if hopIdx != 2 {
		t.Fatalf("hopIdx = %d, want 2 (recognized at final hop)", hopIdx)
	}
	if !bytes.Equal(parsed.Payload, data) {
		t.Fatalf("data = %q, want %q", parsed.Payload, data)
	}
}

func TestDigestStatePersistsAcrossCells(t *testing.T) {
	kbKey := make([]byte, 16)
	for i := range kbKey {
		kbKey[i] = byte(0x20 + i)
	}
	iv := make([]byte, aes.BlockSize)
	bwdEnc, _ := aes.NewCipher(kbKey)
	bwdDec, _ := aes.NewCipher(kbKey)

	dbRelay := sha1.New()
	dbRelay.Write([]byte{0xBB})
	dbClient := sha1.New()
	dbClient.Write([]byte{0xBB})

	encStream := cipher.NewCTR(bwdEnc, iv)
	decStream := cipher.NewCTR(bwdDec, iv)

	kfKey := make([]byte, 16)
	fwdBlock, _ := aes.NewCipher(kfKey)
	hop := NewCryptoStateFromParts(cipher.NewCTR(fwdBlock, iv), decStream, sha1.New(), dbClient)

	for cellNum := 0; cellNum < 2; cellNum++ {
		data := []byte{byte(cellNum), byte(cellNum), byte(cellNum)}
		rc := cell.RelayCell{RelayCmd: cell.RelayData, StreamID: 1, Payload: data}
		payload, err := rc.Serialize()
		if err != nil {
			t.Fatal(err)
		}
		dbRelay.Write(payload)
		digest := dbRelay.Sum(nil)
		copy(payload[5:9], digest[:4])
		encStream.XORKeyStream(payload, payload)

		_, parsed, err := DecryptLayers([]*CryptoState{hop}, payload)
		if err != nil {
			t.Fatalf("cell %d: DecryptLayers: %v", cellNum, err)
		}
		if !bytes.Equal(parsed.Payload, data) {
			t.Fatalf("cell %d: data = %v, want %v", cellNum, parsed.Payload, data)
		}
	}
}
