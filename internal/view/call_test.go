package view

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"callnet/internal/core/ports"
	"callnet/internal/testutil"
)

func newTestCall() (*call, *testutil.FakeSink, *testutil.FakeSink, *testutil.FakeSurface) {
	audio := testutil.NewFakeSink()
	video := testutil.NewFakeSink()
	surface := testutil.NewFakeSurface()
	c := &call{
		log:       zap.NewNop().Sugar(),
		audioSink: audio,
		videoSink: video,
		preview:   surface,
	}
	return c, audio, video, surface
}

func TestRemoteAudioPumpedToAudioSink(t *testing.T) {
	c, audio, video, _ := newTestCall()

	track := testutil.NewFakeRemoteTrack("r-audio", ports.TrackAudio, 1)
	c.remoteTrack(track)

	for i := 0; i < 3; i++ {
		track.Packets <- &rtp.Packet{Header: rtp.Header{SequenceNumber: uint16(i)}}
	}
	close(track.Packets)

	require.Eventually(t, func() bool { return audio.Count() == 3 },
		2*time.Second, 10*time.Millisecond)
	assert.Zero(t, video.Count())
}

func TestRemoteVideoPumpedToVideoSink(t *testing.T) {
	c, audio, video, _ := newTestCall()

	track := testutil.NewFakeRemoteTrack("r-video", ports.TrackVideo, 2)
	c.remoteTrack(track)

	track.Packets <- &rtp.Packet{}
	track.Packets <- &rtp.Packet{}
	close(track.Packets)

	require.Eventually(t, func() bool { return video.Count() == 2 },
		2*time.Second, 10*time.Millisecond)
	assert.Zero(t, audio.Count())
}

func TestPumpStopsWhenTrackEnds(t *testing.T) {
	c, audio, _, _ := newTestCall()

	track := testutil.NewFakeRemoteTrack("r-audio", ports.TrackAudio, 3)
	c.remoteTrack(track)
	track.Packets <- &rtp.Packet{}
	close(track.Packets)

	require.Eventually(t, func() bool { return audio.Count() == 1 },
		2*time.Second, 10*time.Millisecond)
	// No further writes after the track is gone.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, audio.Count())
}

func TestLocalVideoDrivesPreview(t *testing.T) {
	c, _, _, surface := newTestCall()

	track := testutil.NewFakeLocalTrack("cam", ports.TrackVideo)
	c.localVideo(track)
	assert.Same(t, track, surface.Attached())

	c.localVideo(nil)
	assert.Nil(t, surface.Attached())
	assert.Equal(t, 1, surface.Detaches())
}

func TestCloseSinksClosesBoth(t *testing.T) {
	c, audio, video, _ := newTestCall()
	c.closeSinks()
	assert.True(t, audio.IsClosed())
	assert.True(t, video.IsClosed())
}

func TestMissingSinksAreTolerated(t *testing.T) {
	c := &call{log: zap.NewNop().Sugar()}

	track := testutil.NewFakeRemoteTrack("r-audio", ports.TrackAudio, 4)
	c.remoteTrack(track)
	track.Packets <- &rtp.Packet{}
	close(track.Packets)

	c.localVideo(testutil.NewFakeLocalTrack("cam", ports.TrackVideo))
	c.localVideo(nil)
	c.closeSinks()
}
