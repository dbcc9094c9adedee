package tunneltest

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// StartKafkaBroker runs a minimal single-node Kafka broker that answers
// ApiVersions and Metadata, enough for a real client to bootstrap and ping.
// Metadata advertises the broker's own listen address.
func StartKafkaBroker(t testing.TB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	serveBroker(t, ln, func(c net.Conn) {
		for {
			req, err := readKafkaRequest(c)
			if err != nil {
				return
			}
			if err := answerKafka(c, req, host, int32(port)); err != nil {
				return
			}
		}
	})
	return addr
}

// ReadKafkaFrame reads one size-prefixed Kafka message from r.
func ReadKafkaFrame(r io.Reader) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}
	n := int32(binary.BigEndian.Uint32(size[:]))
	if n <= 0 || n > 16<<20 {
		return nil, fmt.Errorf("kafka frame size %d out of range", n)
	}
	b := make([]byte, n)
	_, err := io.ReadFull(r, b)
	return b, err
}

// EncodeKafkaRequest frames req the way a client puts it on the wire.
func EncodeKafkaRequest(req kmsg.Request, correlationID int32, clientID string) []byte {
	b := kbin.AppendInt32(nil, 0)
	b = kbin.AppendInt16(b, req.Key())
	b = kbin.AppendInt16(b, req.GetVersion())
	b = kbin.AppendInt32(b, correlationID)
	b = kbin.AppendNullableString(b, &clientID)
	if req.IsFlexible() {
		b = append(b, 0)
	}
	b = req.AppendTo(b)
	binary.BigEndian.PutUint32(b, uint32(len(b)-4))
	return b
}

type kafkaRequest struct {
	req           kmsg.Request
	correlationID int32
	body          []byte
}

func readKafkaRequest(r io.Reader) (*kafkaRequest, error) {
	data, err := ReadKafkaFrame(r)
	if err != nil {
		return nil, err
	}
	rd := kbin.Reader{Src: data}
	key := rd.Int16()
	version := rd.Int16()
	correlationID := rd.Int32()
	rd.NullableString()

	req := kmsg.RequestForKey(key)
	if req == nil {
		return nil, fmt.Errorf("unsupported api key %d", key)
	}
	req.SetVersion(version)
	if req.IsFlexible() {
		kmsg.SkipTags(&rd)
	}
	if err := rd.Complete(); err != nil {
		return nil, err
	}
	return &kafkaRequest{req: req, correlationID: correlationID, body: rd.Src}, nil
}

func answerKafka(w io.Writer, kr *kafkaRequest, host string, port int32) error {
	var resp kmsg.Response
	switch req := kr.req.(type) {
	case *kmsg.ApiVersionsRequest:
		r := kmsg.NewPtrApiVersionsResponse()
		r.SetVersion(req.GetVersion())
		r.ApiKeys = []kmsg.ApiVersionsResponseApiKey{
			{ApiKey: int16(kmsg.ApiVersions), MinVersion: 0, MaxVersion: 3},
			{ApiKey: int16(kmsg.Metadata), MinVersion: 0, MaxVersion: 12},
		}
		resp = r
	case *kmsg.MetadataRequest:
		if err := req.ReadFrom(kr.body); err != nil {
			return err
		}
		r := kmsg.NewPtrMetadataResponse()
		r.SetVersion(req.GetVersion())
		r.ClusterID = kmsg.StringPtr("tunneltest")
		r.ControllerID = 1
		r.Brokers = []kmsg.MetadataResponseBroker{{NodeID: 1, Host: host, Port: port}}
		resp = r
	default:
		return fmt.Errorf("unsupported request %T", req)
	}

	b := kbin.AppendInt32(nil, 0)
	b = kbin.AppendInt32(b, kr.correlationID)
	if resp.IsFlexible() && resp.Key() != int16(kmsg.ApiVersions) {
		b = append(b, 0)
	}
	b = resp.AppendTo(b)
	binary.BigEndian.PutUint32(b, uint32(len(b)-4))
	_, err := w.Write(b)
	return err
}
