package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"imu-svr/internal/codec"
	"imu-svr/internal/pipeline"
)

type recvStatus int

const (
	recvOK recvStatus = iota
	recvTimeout
	recvFailed
)

// Processor es lo que el loop necesita del pipeline.
type Processor interface {
	CheckSession(ctx context.Context) bool
	HandleDatagram(ctx context.Context, data []byte) error
	Idle(ctx context.Context)
	Close(ctx context.Context)
}

type UDPServer struct {
	conn    net.PacketConn
	proc    Processor
	timeout time.Duration
	maxLen  int
	logger  *slog.Logger
}

// Listen abre el socket UDP y pide un buffer de recepción grande (los
// ESP32 mandan ráfagas).
func Listen(addr string, readBuffer int) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("error starting UDP server: %w", err)
	}
	if readBuffer > 0 {
		_ = conn.SetReadBuffer(readBuffer)
	}
	return conn, nil
}

func New(conn net.PacketConn, proc Processor, timeout time.Duration, maxLen int, logger *slog.Logger) *UDPServer {
	if maxLen <= 0 {
		maxLen = codec.MaxDatagramLen
	}
	return &UDPServer{
		conn:    conn,
		proc:    proc,
		timeout: timeout,
		maxLen:  maxLen,
		logger:  logger.With("component", "udp"),
	}
}

// Serve corre el loop hasta que ctx se cancela o el socket falla. Al
// salir, por cualquier camino, cierra todos los CSV y el socket.
func (s *UDPServer) Serve(ctx context.Context) (err error) {
	defer func() {
		s.proc.Close(context.WithoutCancel(ctx))
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			s.logger.Warn("socket close failed", "error", cerr)
		}
		s.logger.Info("receiver stopped")
	}()

	s.logger.Info("UDP server listening", "addr", s.conn.LocalAddr().String())
	buf := make([]byte, s.maxLen)

	for {
		if ctx.Err() != nil {
			return nil
		}
		s.proc.CheckSession(ctx)

		data, status, rerr := s.receive(buf)
		if ctx.Err() != nil {
			// ya empezó el apagado: no se procesa nada más
			return nil
		}
		switch status {
		case recvTimeout:
			s.proc.Idle(ctx)
			continue
		case recvFailed:
			return fmt.Errorf("udp read: %w", rerr)
		}

		if herr := s.proc.HandleDatagram(ctx, data); herr != nil {
			if errors.Is(herr, codec.ErrMalformedPacket) {
				continue
			}
			var se *pipeline.SinkError
			if errors.As(herr, &se) {
				s.logger.Error("sink write failed", "device", se.Device, "id", se.DeviceID, "error", se.Err)
				continue
			}
			s.logger.Error("datagram handling failed", "error", herr)
		}
	}
}

// receive lee un datagrama con timeout. El timeout no es un error: es lo
// que deja correr los reportes y la rotación cuando no llega nada.
func (s *UDPServer) receive(buf []byte) ([]byte, recvStatus, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	n, _, err := s.conn.ReadFrom(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, recvTimeout, nil
		}
		return nil, recvFailed, err
	}
	return buf[:n], recvOK, nil
}
