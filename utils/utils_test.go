package utils

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

func TestWriteFileIfNew(t *testing.T) {
	td := t.TempDir()
	path := filepath.Join(td, "nested", "dir", "file.txt")

	changed, err := WriteFileIfNew(path, []byte("hello"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, changed, test.ShouldBeTrue)

	changed, err = WriteFileIfNew(path, []byte("hello"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, changed, test.ShouldBeFalse)

	changed, err = WriteFileIfNew(path, []byte("goodbye"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, changed, test.ShouldBeTrue)

	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "goodbye")
}

func TestMACFile(t *testing.T) {
	td := t.TempDir()
	path := filepath.Join(td, "data", "nuimo_mac_address.txt")

	mac, err := ReadMACFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mac, test.ShouldBeEmpty)

	test.That(t, WriteMACFile(path, "AA:BB:CC:DD:EE:FF"), test.ShouldBeNil)

	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "AA:BB:CC:DD:EE:FF\n")

	mac, err = ReadMACFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mac, test.ShouldEqual, "AA:BB:CC:DD:EE:FF")

	test.That(t, WriteMACFile(path, ""), test.ShouldNotBeNil)
}

func TestHealth(t *testing.T) {
	h := NewHealth()
	h.Timeout = time.Millisecond * 50
	test.That(t, h.IsHealthy(), test.ShouldBeTrue)

	time.Sleep(time.Millisecond * 60)
	test.That(t, h.IsHealthy(), test.ShouldBeFalse)

	h.MarkGood()
	test.That(t, h.IsHealthy(), test.ShouldBeTrue)

	t.Run("sleep", func(t *testing.T) {
		h := NewHealth()
		h.Timeout = time.Millisecond * 50
		time.Sleep(time.Millisecond * 60)
		test.That(t, h.IsHealthy(), test.ShouldBeFalse)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		test.That(t, h.Sleep(ctx, time.Second), test.ShouldBeFalse)
		test.That(t, h.IsHealthy(), test.ShouldBeFalse)

		test.That(t, h.Sleep(context.Background(), time.Millisecond), test.ShouldBeTrue)
		test.That(t, h.IsHealthy(), test.ShouldBeTrue)
	})
}

func TestRecover(t *testing.T) {
	logger := logging.NewTestLogger(t)
	var recovered any
	func() {
		defer Recover(logger, func(r any) { recovered = r })
		panic("boom")
	}()
	test.That(t, recovered, test.ShouldEqual, "boom")
}

func TestVersion(t *testing.T) {
	MockBuildInfo(t, "", "")
	test.That(t, GetVersion(), test.ShouldEqual, "custom")
	test.That(t, GetRevision(), test.ShouldEqual, "unknown")

	MockBuildInfo(t, "1.2.3", "abcdef")
	test.That(t, GetVersion(), test.ShouldEqual, "1.2.3")
	test.That(t, GetRevision(), test.ShouldEqual, "abcdef")
}
