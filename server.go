package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AnishMulay/backupsvr/protocol"
)

var (
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrPayloadTooLarge      = errors.New("payload too large")
)

type BackupServerConfig struct {
	Store *Store
	// MaxFileSize bounds the payload of a single store request
	MaxFileSize int64
	Logger      logrus.FieldLogger
}

// BackupServer answers exactly one request per connection.
type BackupServer struct {
	BackupServerConfig
}

func NewBackupServer(config BackupServerConfig) *BackupServer {
	if config.MaxFileSize <= 0 || config.MaxFileSize > 0xFFFFFFFF {
		config.MaxFileSize = 0xFFFFFFFF
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	return &BackupServer{
		BackupServerConfig: config,
	}
}

// HandleConn serves a single request on conn. The caller owns conn and
// closes it once HandleConn returns.
func (s *BackupServer) HandleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	if err := s.Handle(conn, remote); err != nil {
		s.Logger.WithField("remote", remote).Errorf("Client error: %v", err)
	}
}

// Handle reads one request from rw and writes its response. A non-nil error
// means the exchange was aborted, either because the request could not be
// read completely or because the response could not be written.
func (s *BackupServer) Handle(rw io.ReadWriter, remote string) error {
	hdr, err := protocol.ReadRequestHeader(rw)
	if err != nil {
		metricAbortedTotal.WithLabelValues("header").Inc()
		return err
	}

	name, err := protocol.ReadName(rw, hdr.NameLen)
	if err != nil {
		metricAbortedTotal.WithLabelValues("name").Inc()
		return fmt.Errorf("user %d op %d: %w", hdr.UserID, hdr.Op, err)
	}
	metricReceivedBytes.Add(float64(protocol.RequestHeaderSize + len(name)))

	log := s.Logger.WithFields(logrus.Fields{
		"user_id": hdr.UserID,
		"op":      hdr.Op.String(),
		"file":    name,
		"remote":  remote,
	})
	log.Infof("User %d requested op=%d file=%q (ver %d)", hdr.UserID, hdr.Op, name, hdr.Version)

	start := time.Now()
	status, payload, err := s.dispatch(rw, hdr, name, log)
	if err != nil {
		metricAbortedTotal.WithLabelValues("payload").Inc()
		return fmt.Errorf("user %d op %s file %q: %w", hdr.UserID, hdr.Op, name, err)
	}

	n, err := protocol.WriteResponse(rw, hdr.Version, status, payload)
	metricSentBytes.Add(float64(n))
	if err != nil {
		return fmt.Errorf("writing response: %w", err)
	}

	metricRequestsTotal.WithLabelValues(hdr.Op.String(), strconv.Itoa(int(status))).Inc()
	metricRequestDuration.WithLabelValues(hdr.Op.String()).Observe(time.Since(start).Seconds())
	return nil
}

// dispatch executes the operation and returns the response to send. Errors
// are only returned when reading the rest of the request failed.
func (s *BackupServer) dispatch(r io.Reader, hdr protocol.RequestHeader, name string, log logrus.FieldLogger) (protocol.Status, []byte, error) {
	switch hdr.Op {
	case protocol.OpStore:
		data, err := s.readPayload(r)
		if err != nil {
			if errors.Is(err, ErrPayloadTooLarge) {
				log.Warnf("User %d rejected store of %q: %v", hdr.UserID, name, err)
				return statusFor(err), nil, nil
			}
			return 0, nil, err
		}
		n, err := s.Store.Write(hdr.UserID, name, bytes.NewReader(data))
		if err != nil {
			return s.failed(log, hdr, name, err), nil, nil
		}
		log.Infof("Saved file: %s (%d bytes)", name, n)
		return protocol.StatusSaved, nil, nil

	case protocol.OpFetch:
		data, err := s.Store.Read(hdr.UserID, name)
		if err != nil {
			return s.failed(log, hdr, name, err), nil, nil
		}
		log.Infof("Sent file: %s (%d bytes)", name, len(data))
		return protocol.StatusSent, data, nil

	case protocol.OpDelete:
		if err := s.Store.Delete(hdr.UserID, name); err != nil {
			return s.failed(log, hdr, name, err), nil, nil
		}
		log.Infof("Deleted file: %s", name)
		return protocol.StatusDeleted, nil, nil

	case protocol.OpList:
		listName, err := s.Store.List(hdr.UserID)
		if err != nil {
			return s.failed(log, hdr, name, err), nil, nil
		}
		log.Infof("Sent list file name: %s", listName)
		return protocol.StatusListed, []byte(listName), nil

	default:
		return s.failed(log, hdr, name, fmt.Errorf("%w: %d", ErrUnsupportedOperation, hdr.Op)), nil, nil
	}
}

// readPayload reads the payload section of a store request. Payloads above
// MaxFileSize are drained and discarded so the response can still be
// delivered.
func (s *BackupServer) readPayload(r io.Reader) ([]byte, error) {
	ph, err := protocol.ReadPayloadHeader(r)
	if err != nil {
		return nil, err
	}
	metricReceivedBytes.Add(float64(protocol.PayloadHeaderSize))

	if int64(ph.Size) > s.MaxFileSize {
		n, err := io.CopyN(io.Discard, r, int64(ph.Size))
		metricReceivedBytes.Add(float64(n))
		if err != nil {
			return nil, fmt.Errorf("discarding payload: %w", protocol.ErrFraming)
		}
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, ph.Size, s.MaxFileSize)
	}

	data, err := protocol.ReadPayload(r, ph.Size)
	if err != nil {
		return nil, err
	}
	metricReceivedBytes.Add(float64(len(data)))
	return data, nil
}

// failed logs err with the request context and returns the status to
// report for it.
func (s *BackupServer) failed(log logrus.FieldLogger, hdr protocol.RequestHeader, name string, err error) protocol.Status {
	status := statusFor(err)
	switch status {
	case protocol.StatusNotFound, protocol.StatusNoFiles:
		log.Warnf("User %d op=%s file=%q: %v (status %d)", hdr.UserID, hdr.Op, name, err, status)
	default:
		log.Errorf("User %d op=%s file=%q: %v (status %d)", hdr.UserID, hdr.Op, name, err, status)
	}
	return status
}

// statusFor maps an operation error onto the status reported to the client.
func statusFor(err error) protocol.Status {
	switch {
	case errors.Is(err, ErrNotFound):
		return protocol.StatusNotFound
	case errors.Is(err, ErrNoFiles):
		return protocol.StatusNoFiles
	default:
		return protocol.StatusGeneralError
	}
}
