// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package topic

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/tiendc/go-deepcopy"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/united-manufacturing-hub/salbus/pkg/codec"
	"github.com/united-manufacturing-hub/salbus/pkg/metrics"
	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/topicinfo"
)

// Publisher is the part of broker.Client a WriteTopic needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, value []byte) (int64, error)
}

// Writer identifies the publisher of samples.
type Writer struct {
	Identity string
	Origin   int64
	SalIndex int
	// TopicPrefix is the first part of broker topic names.
	TopicPrefix string
}

// SetWriteResult reports what SetWrite did.
type SetWriteResult struct {
	DidChange bool
	// Sample is the published sample, nil if nothing was published.
	Sample *sal.Sample
}

// WriteTopic stages and publishes samples of one topic.
type WriteTopic struct {
	info      *topicinfo.TopicInfo
	pub       Publisher
	writer    Writer
	topicName string
	log       *zap.SugaredLogger

	// lock serializes set+write pairs; it is context aware so a stuck publish cannot hang callers forever.
	lock *semaphore.Weighted

	mu      sync.Mutex
	data    []sal.Field
	hasData bool
	seqNum  int64
}

// NewWriteTopic returns a WriteTopic with every field at its default value.
func NewWriteTopic(info *topicinfo.TopicInfo, pub Publisher, writer Writer, log *zap.SugaredLogger) *WriteTopic {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &WriteTopic{
		info:      info,
		pub:       pub,
		writer:    writer,
		topicName: info.BrokerTopic(writer.TopicPrefix),
		log:       log.With("topic", info.String()),
		lock:      semaphore.NewWeighted(1),
		data:      info.Defaults(),
	}
}

// Info returns the topic description.
func (wt *WriteTopic) Info() *topicinfo.TopicInfo { return wt.info }

// BrokerTopic returns the broker topic the samples are published to.
func (wt *WriteTopic) BrokerTopic() string { return wt.topicName }

// HasData reports whether Set was ever called.
func (wt *WriteTopic) HasData() bool {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	return wt.hasData
}

// Data returns a copy of the staged payload.
func (wt *WriteTopic) Data() map[string]any {
	wt.mu.Lock()
	defer wt.mu.Unlock()

	out := make(map[string]any, len(wt.data))
	for _, f := range wt.data {
		out[f.Name] = f.Value
	}
	var copied map[string]any
	if err := deepcopy.Copy(&copied, &out); err != nil {
		wt.log.Warnf("Copying staged data: %v", err)
		return out
	}
	return copied
}

// Set stages field values without publishing. didChange is true if a value changed
// or this is the first call.
func (wt *WriteTopic) Set(fields map[string]any) (bool, error) {
	coerced, err := wt.info.Coerce(fields)
	if err != nil {
		return false, err
	}

	wt.mu.Lock()
	defer wt.mu.Unlock()

	didChange := !wt.hasData
	for i := range wt.data {
		v, ok := coerced[wt.data[i].Name]
		if !ok {
			continue
		}
		if !reflect.DeepEqual(wt.data[i].Value, v) {
			didChange = true
			wt.data[i].Value = v
		}
	}
	wt.hasData = true
	return didChange, nil
}

// Write publishes the staged payload with the next sequence number.
func (wt *WriteTopic) Write(ctx context.Context) (*sal.Sample, error) {
	if err := wt.lock.Acquire(ctx, 1); err != nil {
		return nil, waitError(ctx, wt.info.String()+" write lock")
	}
	defer wt.lock.Release(1)
	return wt.write(ctx, nil)
}

// SetWrite sets and writes without another writer of this topic interleaving.
// Events are only published when the data changed or force is set; other topics always publish.
func (wt *WriteTopic) SetWrite(ctx context.Context, fields map[string]any, force bool) (SetWriteResult, error) {
	return wt.SetWriteStamped(ctx, fields, force, nil)
}

// SetWriteStamped is SetWrite with a hook that sees the stamped sample right before it is published,
// so the caller can register it before any reply can arrive. A hook error aborts the write.
func (wt *WriteTopic) SetWriteStamped(ctx context.Context, fields map[string]any, force bool, stamped func(*sal.Sample) error) (SetWriteResult, error) {
	if err := wt.lock.Acquire(ctx, 1); err != nil {
		return SetWriteResult{}, waitError(ctx, wt.info.String()+" write lock")
	}
	defer wt.lock.Release(1)

	didChange, err := wt.Set(fields)
	if err != nil {
		return SetWriteResult{}, err
	}
	if wt.info.Direction == topicinfo.DirectionEvent && !didChange && !force {
		return SetWriteResult{}, nil
	}

	s, err := wt.write(ctx, stamped)
	if err != nil {
		return SetWriteResult{DidChange: didChange}, err
	}
	return SetWriteResult{DidChange: didChange, Sample: s}, nil
}

func (wt *WriteTopic) write(ctx context.Context, stamped func(*sal.Sample) error) (*sal.Sample, error) {
	wt.mu.Lock()
	seq := wt.seqNum + 1
	if seq > sal.MaxSeqNum {
		seq = 1
	}
	s, err := sal.NewSample(wt.info.SalName, sal.Header{
		SalIndex: wt.writer.SalIndex,
		SeqNum:   seq,
		SndStamp: time.Now(),
		Identity: wt.writer.Identity,
		Origin:   wt.writer.Origin,
	}, wt.data)
	wt.mu.Unlock()
	if err != nil {
		return nil, err
	}

	data, err := codec.Encode(wt.info, s)
	if err != nil {
		return nil, err
	}

	if stamped != nil {
		if err := stamped(s); err != nil {
			return nil, err
		}
	}

	if _, err := wt.pub.Publish(ctx, wt.topicName, data); err != nil {
		if !errors.Is(err, sal.ErrTransport) {
			err = fmt.Errorf("%w: %w", sal.ErrTransport, err)
		}
		return nil, fmt.Errorf("writing %s: %w", wt.info, err)
	}

	wt.mu.Lock()
	wt.seqNum = seq
	wt.mu.Unlock()

	metrics.IncSamplesWritten(wt.info.String())
	return s, nil
}
