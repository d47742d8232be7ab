// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"io"
)

type OnRTPReadStats func(stats RTPReadStats)
type OnRTPWriteStats func(stats RTPWriteStats)

// RTPStatsReader wraps a reader of already-decoded RTP with a stats callback,
// fired after every successful Read with a snapshot off the channel's shared
// RTPStatsManager.
type RTPStatsReader struct {
	Reader io.Reader
	Stats  *RTPStatsManager
	// OnRTPReadStats is fired each time on Read. Must not block.
	OnRTPReadStats OnRTPReadStats
}

func (i *RTPStatsReader) Read(b []byte) (int, error) {
	n, err := i.Reader.Read(b)
	if err != nil {
		return n, err
	}

	i.OnRTPReadStats(i.Stats.ReadSnapshot())
	return n, err
}

// RTPStatsWriter mirrors RTPStatsReader for the send side.
type RTPStatsWriter struct {
	Writer io.Writer
	Stats  *RTPStatsManager
	// OnRTPWriteStats is fired each time on Write. Must not block.
	OnRTPWriteStats OnRTPWriteStats
}

func (i *RTPStatsWriter) Write(b []byte) (int, error) {
	n, err := i.Writer.Write(b)
	if err != nil {
		return n, err
	}

	i.OnRTPWriteStats(i.Stats.WriteSnapshot())
	return n, err
}
