// Copyright 2021 The Oto Authors
// Copyright 2025 Lundis
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

package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/Lundis/go-tonebox/backend"
)

// oto allows a single context per process. It is created on first use and
// shared by every mixer with the same sample rate.
var (
	otoContextMutex sync.Mutex
	otoContext      *oto.Context
	otoSampleRate   int
)

type otoOutput struct {
	player *oto.Player
}

func newOtoOutput(mux *Mux, bufferSize time.Duration) (*otoOutput, error) {
	otoContextMutex.Lock()
	defer otoContextMutex.Unlock()

	if otoContext == nil {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   mux.sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatFloat32LE,
			BufferSize:   bufferSize,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", backend.ErrDeviceUnavailable, err)
		}
		// initializing drivers might take some time
		<-ready
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", backend.ErrDeviceUnavailable, err)
		}
		otoContext = ctx
		otoSampleRate = mux.sampleRate
	} else if otoSampleRate != mux.sampleRate {
		return nil, fmt.Errorf("%w: output already runs at %d Hz", backend.ErrDeviceUnavailable, otoSampleRate)
	}

	if err := otoContext.Resume(); err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrDeviceUnavailable, err)
	}
	p := otoContext.NewPlayer(NewReader(mux))
	p.Play()
	return &otoOutput{player: p}, nil
}

func (o *otoOutput) Close() error {
	return o.player.Close()
}
