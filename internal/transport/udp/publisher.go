// SPDX-License-Identifier: MIT

// Package udp publishes level samples as fixed-layout datagrams for
// lightweight meters that do not speak the bridge protocol.
package udp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"micstream/internal/audio"
	applog "micstream/internal/log"
)

// DefaultInterval is ~60Hz.
const DefaultInterval = 16 * time.Millisecond

// valueCount is the number of float32 values in a packet.
const valueCount = 4

// PacketSize is the encoded size of every packet.
const PacketSize = 4 + 8 + 8 + 8 + 2 + valueCount*4

// LevelSource yields the most recent level.
type LevelSource interface {
	QueryLevel() (audio.LevelSample, error)
}

// PacketRecorder counts send attempts.
type PacketRecorder interface {
	RecordPacket(err error)
}

/*
Packet layout (BigEndian)

| Field           | Type       | Bytes | Description                      |
|-----------------|------------|-------|----------------------------------|
| Sequence        | uint32     | 4     | Packet counter                   |
| Timestamp       | int64      | 8     | Send time, ns since epoch        |
| Level seq       | uint64     | 8     | Seq of the frame the level is of |
| Level timestamp | int64      | 8     | Frame capture time, ms           |
| Value count     | uint16     | 2     | Always 4                         |
| Values          | [4]float32 | 16    | avg dB, peak dB, avg 0..1, peak 0..1 |
*/

// Packet is a decoded datagram.
type Packet struct {
	Seq              uint32
	TimestampNs      int64
	LevelSeq         uint64
	LevelTimestampMs int64
	Values           [valueCount]float32
}

// Publisher sends the latest level on every tick. A level is sent at most
// once; ticks with nothing new send nothing.
type Publisher struct {
	sender   *Sender
	src      LevelSource
	rec      PacketRecorder
	interval time.Duration
	log      *applog.Logger

	mu       sync.Mutex // protects ticker and doneChan during Start/Stop
	ticker   *time.Ticker
	doneChan chan struct{}
	wg       sync.WaitGroup

	seq      uint32
	last     audio.LevelSample
	sentAny  bool
	packet   *bytes.Buffer
	valueBuf [valueCount]float32
}

// NewPublisher returns a publisher reading src and writing to sender. rec
// may be nil. A non-positive interval falls back to DefaultInterval.
func NewPublisher(interval time.Duration, sender *Sender, src LevelSource, rec PacketRecorder) (*Publisher, error) {
	if sender == nil {
		return nil, errors.New("udp publisher: sender cannot be nil")
	}
	if src == nil {
		return nil, errors.New("udp publisher: level source cannot be nil")
	}
	log := applog.For("udp")
	if interval <= 0 {
		interval = DefaultInterval
		log.Warnf("invalid publish interval, defaulting to %s", interval)
	}
	return &Publisher{
		sender:   sender,
		src:      src,
		rec:      rec,
		interval: interval,
		log:      log,
		packet:   bytes.NewBuffer(make([]byte, 0, PacketSize)),
	}, nil
}

// Start launches the publishing goroutine. Calling it again while running
// does nothing.
func (p *Publisher) Start() {
	p.mu.Lock()
	if p.ticker != nil {
		p.mu.Unlock()
		p.log.Warnf("publisher already running")
		return
	}
	p.ticker = time.NewTicker(p.interval)
	p.doneChan = make(chan struct{})
	ticker, done := p.ticker, p.doneChan
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.log.Infof("publishing levels every %s", p.interval)
		for {
			select {
			case <-ticker.C:
				p.publish()
			case <-done:
				return
			}
		}
	}()
}

// Stop ends the publishing goroutine and waits for it. It is safe to call
// more than once.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if p.ticker == nil {
		p.mu.Unlock()
		return nil
	}
	close(p.doneChan)
	p.ticker.Stop()
	p.ticker = nil
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Debugf("publisher stopped after %d packets", p.seq)
	return nil
}

// Close stops the publisher.
func (p *Publisher) Close() error {
	return p.Stop()
}

// publish runs on the publishing goroutine only.
func (p *Publisher) publish() {
	level, err := p.src.QueryLevel()
	if err != nil {
		return
	}
	if p.sentAny && level.Seq == p.last.Seq && level.TimestampMs == p.last.TimestampMs {
		return
	}

	p.seq++
	p.valueBuf = [valueCount]float32{
		float32(level.AveragePowerDb),
		float32(level.PeakPowerDb),
		float32(level.NormalizedAverage),
		float32(level.NormalizedPeak),
	}
	p.packet.Reset()
	err = writeFields(p.packet,
		p.seq,
		time.Now().UnixNano(),
		level.Seq,
		level.TimestampMs,
		uint16(valueCount),
		p.valueBuf,
	)
	if err != nil {
		p.log.Errorf("packing level %d: %v", level.Seq, err)
		return
	}

	err = p.sender.Send(p.packet.Bytes())
	if p.rec != nil {
		p.rec.RecordPacket(err)
	}
	if err != nil {
		p.log.Debugf("packet %d: %v", p.seq, err)
		return
	}
	p.last = level
	p.sentAny = true
}

func writeFields(buf *bytes.Buffer, fields ...any) error {
	for _, f := range fields {
		if err := binary.Write(buf, binary.BigEndian, f); err != nil {
			return err
		}
	}
	return nil
}

// DecodePacket parses a datagram produced by Publisher.
func DecodePacket(data []byte) (Packet, error) {
	var pk Packet
	if len(data) != PacketSize {
		return pk, fmt.Errorf("packet is %d bytes, want %d", len(data), PacketSize)
	}
	r := bytes.NewReader(data)
	var count uint16
	for _, f := range []any{&pk.Seq, &pk.TimestampNs, &pk.LevelSeq, &pk.LevelTimestampMs, &count} {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return pk, err
		}
	}
	if count != valueCount {
		return pk, fmt.Errorf("packet carries %d values, want %d", count, valueCount)
	}
	if err := binary.Read(r, binary.BigEndian, &pk.Values); err != nil {
		return pk, err
	}
	return pk, nil
}
