package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"imu-svr/internal/codec"
)

func TestValidate(t *testing.T) {
	ok := options{devices: []int{1, 2}, rate: 50, blockSamples: 21}
	maxK := (codec.MaxDatagramLen - codec.HeaderSize - codec.FooterSize) / codec.SampleSize

	tests := []struct {
		name    string
		mutate  func(*options)
		wantErr bool
	}{
		{"defaults", func(*options) {}, false},
		{"zero rate", func(o *options) { o.rate = 0 }, true},
		{"zero block", func(o *options) { o.blockSamples = 0 }, true},
		{"largest block that fits", func(o *options) { o.blockSamples = maxK }, false},
		{"block too large", func(o *options) { o.blockSamples = maxK + 1 }, true},
		{"negative drop", func(o *options) { o.drop = -0.1 }, true},
		{"drop one", func(o *options) { o.drop = 1 }, true},
		{"drop half", func(o *options) { o.drop = 0.5 }, false},
		{"device 255", func(o *options) { o.devices = []int{255} }, false},
		{"device 256", func(o *options) { o.devices = []int{1, 256} }, true},
		{"negative device", func(o *options) { o.devices = []int{-1} }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o := ok
			tc.mutate(&o)
			if err := o.validate(); (err != nil) != tc.wantErr {
				t.Fatalf("validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestRunSendsDecodableDatagrams(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer conn.Close()

	o := options{
		target:       conn.LocalAddr().String(),
		devices:      []int{1, 4},
		rate:         1000,
		blockSamples: 21,
		count:        3,
		restartAfter: 2,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := run(context.Background(), o, logger); err != nil {
		t.Fatalf("run: %v", err)
	}

	// 3 rondas x 2 dispositivos; la tercera reinicia la secuencia
	wantSeq := []uint32{0, 0, 1, 1, 0, 0}
	buf := make([]byte, codec.MaxDatagramLen)
	for i, want := range wantSeq {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			t.Fatalf("datagram %d: %v", i, err)
		}
		if n != codec.HeaderSize+21*codec.SampleSize+codec.FooterSize {
			t.Fatalf("datagram %d: %d bytes", i, n)
		}
		pkt, err := codec.Decode(buf[:n])
		if err != nil {
			t.Fatalf("datagram %d: Decode: %v", i, err)
		}
		if pkt.Header.Seq != want || len(pkt.Samples) != 21 {
			t.Fatalf("datagram %d: seq=%d samples=%d, want seq=%d", i, pkt.Header.Seq, len(pkt.Samples), want)
		}
	}
}

func TestSamplesAroundOneG(t *testing.T) {
	got := samples(7, 85)
	if len(got) != 85 {
		t.Fatalf("len = %d", len(got))
	}
	for i, s := range got {
		if s.Az < 4096-32 || s.Az >= 4096+32 {
			t.Fatalf("sample %d az = %d", i, s.Az)
		}
	}
}
