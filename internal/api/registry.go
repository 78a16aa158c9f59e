package api

import (
	"log"

	"github.com/slidemap/server/internal/config"
	"github.com/slidemap/server/internal/pyramid"
)

// SlideInfo describes a configured slide for the API response. Pyramid
// fields are zero when the pyramid could not be opened at startup.
type SlideInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	TileSize int    `json:"tile_size,omitempty"`
	MaxLevel int    `json:"max_level,omitempty"`
}

// SlideRegistry holds the slides the server can scan.
type SlideRegistry struct {
	slides       map[string]SlideInfo
	defaultSlide string
	slideOrder   []string
	title        string
}

// NewSlideRegistry creates an empty registry.
func NewSlideRegistry(title string) *SlideRegistry {
	return &SlideRegistry{
		slides: make(map[string]SlideInfo),
		title:  title,
	}
}

// DescribeSlides registers every configured slide, reading pyramid sizes
// through provider when it is not nil.
func DescribeSlides(slides config.SlidesConfig, provider pyramid.Provider, title string) *SlideRegistry {
	r := NewSlideRegistry(title)
	for _, id := range slides.IDs() {
		sc := slides.Slides[id]
		info := SlideInfo{ID: id, Name: sc.Name}
		if info.Name == "" {
			info.Name = id
		}
		if provider != nil {
			if h, err := provider.Open(sc.DZIPath); err != nil {
				log.Printf("  [%s] pyramid not readable: %v", id, err)
			} else {
				g := h.Grid()
				info.Width, info.Height = g.Size()
				info.TileSize = g.TileSize()
				info.MaxLevel = g.MaxLevel()
				h.Close()
			}
		}
		r.Register(info)
	}
	if slides.Default != "" {
		r.defaultSlide = slides.Default
	}
	return r
}

// Register adds a slide. The first registered slide is the default.
func (r *SlideRegistry) Register(info SlideInfo) {
	if _, ok := r.slides[info.ID]; !ok {
		r.slideOrder = append(r.slideOrder, info.ID)
	}
	r.slides[info.ID] = info
	if r.defaultSlide == "" {
		r.defaultSlide = info.ID
	}
}

// Get returns a slide by id; an empty id selects the default slide.
func (r *SlideRegistry) Get(slideID string) (SlideInfo, bool) {
	if slideID == "" {
		slideID = r.defaultSlide
	}
	info, ok := r.slides[slideID]
	return info, ok
}

// DefaultSlideID returns the default slide ID.
func (r *SlideRegistry) DefaultSlideID() string {
	return r.defaultSlide
}

// Title returns the configured site title.
func (r *SlideRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Slidemap"
}

// Slides returns all slides in config order.
func (r *SlideRegistry) Slides() []SlideInfo {
	infos := make([]SlideInfo, 0, len(r.slideOrder))
	for _, id := range r.slideOrder {
		infos = append(infos, r.slides[id])
	}
	return infos
}
