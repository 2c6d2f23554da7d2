package eeprom

import (
	"sync"
	"testing"
)

func TestCRC16(t *testing.T) {
	tests := []struct {
		data []byte
		want uint16
	}{
		{[]byte("123456789"), 0x29B1},
		{nil, 0xFFFF},
		{[]byte{0x00}, 0xE1F0},
	}

	for _, tt := range tests {
		if got := crc16(tt.data); got != tt.want {
			t.Errorf("crc16(%q) = 0x%04x, expected 0x%04x", tt.data, got, tt.want)
		}
	}
}

func TestChecksumUnitCountsOperations(t *testing.T) {
	var u checksumUnit

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				u.sum([]byte("page"))
			}
		}()
	}
	wg.Wait()

	if n := u.count(); n != 800 {
		t.Errorf("Expected 800 operations, got %d", n)
	}
	u.reset()
	if n := u.count(); n != 0 {
		t.Errorf("Expected 0 after reset, got %d", n)
	}
}
