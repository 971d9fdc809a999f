package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/grafov/m3u8"
	"github.com/veldt/mend/hls"
)

// Playlist errors.
var (
	ErrNoVariants = errors.New("source: master playlist has no variants")
	ErrNotMedia   = errors.New("source: expected a media playlist")
)

// HLSConfig configures playlist monitoring for one rendition.
type HLSConfig struct {
	// URL of the playlist. A master playlist selects the variant with
	// the highest advertised bandwidth.
	URL string

	// RefreshInterval floors the pause between live playlist
	// refreshes. Half the playlist's target duration applies when
	// longer.
	RefreshInterval time.Duration

	// PlaylistTimeout bounds one playlist fetch.
	PlaylistTimeout time.Duration

	// SegmentTimeout bounds one segment download.
	SegmentTimeout time.Duration

	// MaxRefreshRetries is how many consecutive failed refreshes are
	// tolerated before the stream is declared dead.
	MaxRefreshRetries int

	// MaxSegmentRetries is how many times one segment download is
	// retried before the stream is declared dead.
	MaxSegmentRetries int

	// RetryDelay is the pause after the first failure; each further
	// attempt waits one RetryDelay more.
	RetryDelay time.Duration

	// SeenWindow bounds how many delivered segment URIs are remembered
	// for duplicate suppression across refreshes. Non-positive keeps
	// all of them.
	SeenWindow int
}

// DefaultHLSConfig returns the monitoring policy used when a job
// specifies nothing.
func DefaultHLSConfig() HLSConfig {
	return HLSConfig{
		RefreshInterval:   time.Second,
		PlaylistTimeout:   15 * time.Second,
		SegmentTimeout:    10 * time.Second,
		MaxRefreshRetries: 5,
		MaxSegmentRetries: 3,
		RetryDelay:        time.Second,
		SeenWindow:        20,
	}
}

// HLS monitors a playlist and yields every new segment exactly once,
// in playlist order. It is a pull source: Next blocks through refresh
// pauses and downloads, returns one EndMarker when the playlist ends,
// then io.EOF. Spent retry budgets surface as terminal errors.
type HLS struct {
	client *Client
	log    *slog.Logger
	cfg    HLSConfig

	playlist *url.URL
	queue    []pendingSegment
	seen     []string
	seenSet  map[string]struct{}

	mapSent  string // URI of the last init segment delivered
	fetched  bool
	failures int
	delay    time.Duration
	ended    bool
	sentEnd  bool
}

// pendingSegment is a discovered segment waiting to be downloaded.
// mapURI is the init segment in effect at its playlist position.
type pendingSegment struct {
	seq      uint64
	duration time.Duration
	disc     bool
	uri      string
	mapURI   string
}

// NewHLS prepares monitoring of cfg.URL. Nothing is fetched until the
// first Next call. A nil logger falls back to slog.Default.
func NewHLS(client *Client, log *slog.Logger, cfg HLSConfig) (*HLS, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("source: playlist url: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &HLS{
		client:   client,
		log:      log.With("source", "hls"),
		cfg:      cfg,
		playlist: u,
		seenSet:  make(map[string]struct{}),
		delay:    cfg.RefreshInterval,
	}, nil
}

// Next returns the next unit of the rendition: init segments as they
// change, media segments in playlist order, one EndMarker when the
// playlist ends, then io.EOF.
func (h *HLS) Next(ctx context.Context) (hls.Unit, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(h.queue) > 0 {
			return h.deliver(ctx)
		}
		if h.ended {
			if h.sentEnd {
				return nil, io.EOF
			}
			h.sentEnd = true
			return &hls.EndMarker{}, nil
		}
		if err := h.refresh(ctx); err != nil {
			return nil, err
		}
	}
}

// deliver downloads the head of the queue, first emitting a fresh init
// segment when the head needs one the sink has not seen yet.
func (h *HLS) deliver(ctx context.Context) (hls.Unit, error) {
	head := h.queue[0]
	if head.mapURI != "" && head.mapURI != h.mapSent {
		data, err := h.download(ctx, head.mapURI)
		if err != nil {
			return nil, err
		}
		h.mapSent = head.mapURI
		h.log.Info("initialization segment fetched", "uri", head.mapURI, "bytes", len(data))
		return &hls.InitSegment{URI: head.mapURI, Data: data}, nil
	}
	h.queue = h.queue[1:]
	data, err := h.download(ctx, head.uri)
	if err != nil {
		return nil, err
	}
	h.log.Debug("segment fetched", "sequence", head.seq, "uri", head.uri, "bytes", len(data))
	return &hls.MediaSegment{
		Sequence:      head.seq,
		Duration:      head.duration,
		Discontinuity: head.disc,
		URI:           head.uri,
		Data:          data,
	}, nil
}

// refresh fetches the playlist until new segments arrive or the retry
// budget is spent. Between attempts it honors the refresh pause.
func (h *HLS) refresh(ctx context.Context) error {
	for {
		if h.fetched {
			if err := sleep(ctx, h.delay); err != nil {
				return err
			}
		}
		err := h.fetchPlaylist(ctx)
		h.fetched = true
		if err == nil {
			h.failures = 0
			return nil
		}
		h.failures++
		if h.failures > h.cfg.MaxRefreshRetries {
			return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
		}
		h.log.Warn("playlist refresh failed", "attempt", h.failures, "error", err)
		h.delay = h.cfg.RetryDelay * time.Duration(h.failures)
	}
}

// fetchPlaylist decodes the current playlist, resolving a master to
// its best variant first, and queues whatever is new.
func (h *HLS) fetchPlaylist(ctx context.Context) error {
	pl, kind, err := h.decode(ctx, h.playlist)
	if err != nil {
		return err
	}
	if kind == m3u8.MASTER {
		variant, err := pickVariant(pl.(*m3u8.MasterPlaylist))
		if err != nil {
			return err
		}
		media, err := h.playlist.Parse(variant.URI)
		if err != nil {
			return fmt.Errorf("source: variant uri: %w", err)
		}
		h.log.Info("variant selected", "bandwidth", variant.Bandwidth, "uri", media.String())
		h.playlist = media
		if pl, kind, err = h.decode(ctx, h.playlist); err != nil {
			return err
		}
	}
	mp, ok := pl.(*m3u8.MediaPlaylist)
	if !ok || kind != m3u8.MEDIA {
		return ErrNotMedia
	}
	h.ingest(mp)
	return nil
}

func (h *HLS) decode(ctx context.Context, u *url.URL) (m3u8.Playlist, m3u8.ListType, error) {
	if h.cfg.PlaylistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.PlaylistTimeout)
		defer cancel()
	}
	resp, err := h.client.Get(ctx, u.String())
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, 0, fmt.Errorf("playlist %s: %w", u, err)
	}
	pl, kind, err := m3u8.DecodeFrom(bufio.NewReader(resp.Body), false)
	if err != nil {
		return nil, 0, fmt.Errorf("playlist %s: %w", u, err)
	}
	return pl, kind, nil
}

// pickVariant returns the variant with the highest advertised
// bandwidth.
func pickVariant(master *m3u8.MasterPlaylist) (*m3u8.Variant, error) {
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil {
		return nil, ErrNoVariants
	}
	return best, nil
}

// ingest queues the segments of a refresh that have not been delivered
// yet and adapts the refresh pause to the playlist's pacing.
func (h *HLS) ingest(mp *m3u8.MediaPlaylist) {
	mapURI := ""
	if mp.Map != nil {
		mapURI = h.resolve(mp.Map.URI)
	}
	added := 0
	index := 0
	for _, seg := range mp.Segments {
		if seg == nil {
			continue
		}
		seq := mp.SeqNo + uint64(index)
		index++
		if seg.Map != nil {
			mapURI = h.resolve(seg.Map.URI)
		}
		uri := h.resolve(seg.URI)
		if _, dup := h.seenSet[uri]; dup {
			continue
		}
		h.queue = append(h.queue, pendingSegment{
			seq:      seq,
			duration: time.Duration(seg.Duration * float64(time.Second)),
			disc:     seg.Discontinuity,
			uri:      uri,
			mapURI:   mapURI,
		})
		h.remember(uri)
		added++
	}
	if mp.Closed {
		h.ended = true
	}
	h.delay = h.cfg.RefreshInterval
	if half := time.Duration(mp.TargetDuration * float64(time.Second) / 2); half > h.delay {
		h.delay = half
	}
	h.log.Debug("playlist refreshed", "new_segments", added, "media_sequence", mp.SeqNo, "closed", mp.Closed)
}

// resolve makes a playlist reference absolute against the playlist
// location. Malformed references stay as written; the fetch reports
// them.
func (h *HLS) resolve(ref string) string {
	u, err := h.playlist.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

// remember adds uri to the seen window, evicting the oldest entry once
// the window is full.
func (h *HLS) remember(uri string) {
	h.seenSet[uri] = struct{}{}
	if h.cfg.SeenWindow <= 0 {
		return
	}
	h.seen = append(h.seen, uri)
	if len(h.seen) > h.cfg.SeenWindow {
		delete(h.seenSet, h.seen[0])
		h.seen = h.seen[1:]
	}
}

// download fetches one segment with the bounded retry policy.
func (h *HLS) download(ctx context.Context, uri string) ([]byte, error) {
	var last error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if attempt > h.cfg.MaxSegmentRetries {
				return nil, fmt.Errorf("%w: %v", ErrRetriesExhausted, last)
			}
			h.log.Warn("segment download failed, retrying", "uri", uri, "attempt", attempt, "error", last)
			if err := sleep(ctx, h.cfg.RetryDelay*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
		data, err := h.client.fetch(ctx, uri, h.cfg.SegmentTimeout)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		last = err
	}
}
