// Copyright 2023 LiveKit, Inc.
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

package codec

// Work is a unit of codec work flowing into the component and returned as a
// completed record. Ordinal preserves component delivery order.
type Work struct {
	Ordinal uint64
	Flags   uint32
	Payload []byte
}

// SettingResult describes a configuration field the component could not apply.
type SettingResult struct {
	Field  string
	Reason string
}

// Component is the underlying codec engine. All methods may block; they are
// only invoked from the controller's dispatcher or a release goroutine.
type Component interface {
	Name() string
	Start() error
	Stop() error
	// Flush returns the work items the component could not finish.
	Flush() ([]*Work, error)
	Release() error
	SetListener(listener ComponentListener, mayBlock bool) error
}

// ComponentStore creates named components.
type ComponentStore interface {
	Create(name string) (Component, error)
}

// ComponentListener is the asynchronous sink a component delivers
// notifications to, on component-owned threads.
type ComponentListener interface {
	OnWorkDone(items []*Work)
	OnTripped(results []SettingResult)
	OnError(errorCode uint32)
}

// Surface is an opaque rendering surface handle.
type Surface interface{}

// BufferProducer is an opaque producer-side handle for an input surface.
type BufferProducer interface{}

// GraphicBufferSource feeds surface buffers into an encoder.
type GraphicBufferSource interface {
	InitCheck() error
	Producer() BufferProducer
}

// BufferChannel is the data-plane adapter between client buffers and the
// component's work items. Internals are out of scope here; the controller
// only drives its lifecycle.
type BufferChannel interface {
	SetComponent(comp Component)
	SetSurface(surface Surface) error
	SetGraphicBufferSource(source GraphicBufferSource) error
	Start(inputFormat, outputFormat Format)
	Stop()
	Flush(flushed []*Work)
	OnWorkDone(work *Work)
}

// CallbackSink receives codec lifecycle events. Callbacks are never invoked
// with a controller mutex held; re-entering the controller from a callback is
// allowed.
type CallbackSink interface {
	OnComponentAllocated(componentName string)
	OnComponentConfigured(inputFormat, outputFormat Format)
	OnInputSurfaceCreated(inputFormat, outputFormat Format, producer BufferProducer)
	OnInputSurfaceCreationFailed(err error)
	OnInputSurfaceDeclined(err error)
	OnStartCompleted()
	OnStopCompleted()
	OnReleaseCompleted()
	OnFlushCompleted()
	OnError(err error, action ActionCode)
}
