// Package api serves the HTTP control interface of a receiver.
package api

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image/png"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"github.com/hb9tf/hfstream/render"
	"github.com/hb9tf/hfstream/sdr"
	"github.com/hb9tf/hfstream/source"
)

const BasePath = "/hfstream/v1"

type API struct {
	Source *source.Source
	Pump   *source.Pump

	mu        sync.Mutex
	waterfall *render.Waterfall
}

// New returns the API for src. Blocks pulled by pump also feed the waterfall.
func New(src *source.Source, pump *source.Pump) *API {
	a := &API{
		Source:    src,
		Pump:      pump,
		waterfall: render.NewWaterfall(render.Options{Height: 200}),
	}
	pump.HandleBlocks(a.addWaterfallRow)
	return a
}

func (a *API) addWaterfallRow(block []complex64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.waterfall.Add(block)
}

type Status struct {
	Active        bool                   `json:"active"`
	State         string                 `json:"state"`
	StreamID      string                 `json:"streamId"`
	ActiveChannel int                    `json:"activeChannel"`
	Frequencies   [sdr.NumChannels]int64 `json:"frequencies"`
	SampleRate    int                    `json:"sampleRate"`
	Held          int                    `json:"held"`
	Capacity      int                    `json:"capacity"`
	RingDropped   uint64                 `json:"ringDropped"`
	DriverDropped uint64                 `json:"driverDropped"`
	Blocks        uint64                 `json:"blocks"`
	Pulled        uint64                 `json:"pulled"`
}

type activeRequest struct {
	Active *bool `json:"active" binding:"required"`
}

type frequencyRequest struct {
	Frequency int64 `json:"frequency" binding:"required"`
	// Echo marks a change reported by a synchronized rig.
	Echo bool `json:"echo"`
}

type channelRequest struct {
	Channel *int `json:"channel" binding:"required"`
}

func errorJSON(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"status": "error", "error": err.Error()})
}

// driverStatus maps receiver errors to HTTP status codes.
func driverStatus(err error) int {
	switch {
	case errors.Is(err, sdr.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, sdr.ErrInvalidState), errors.Is(err, source.ErrNoSampleRate):
		return http.StatusPreconditionFailed
	default:
		return http.StatusBadGateway
	}
}

func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	v1 := r.Group(BasePath)
	v1.GET("/status", a.status)
	v1.PUT("/active", a.setActive)
	v1.GET("/frequency/:channel", a.frequency)
	v1.PUT("/frequency/:channel", a.setFrequency)
	v1.PUT("/channel", a.setChannel)
	v1.GET("/settings", a.settings)
	v1.PUT("/settings", a.setSettings)
	v1.GET("/samplerates", a.sampleRates)
	v1.GET("/samples", a.samples)
	v1.GET("/spectrum.png", a.spectrum)
	v1.GET("/waterfall.png", a.waterfallImage)
	return r
}

func (a *API) status(c *gin.Context) {
	st := a.Source.Stats()
	settings := a.Source.Settings()
	c.JSON(http.StatusOK, Status{
		Active:        a.Source.Active(),
		State:         st.State.String(),
		StreamID:      a.Source.Session().StreamID(),
		ActiveChannel: a.Source.ActiveChannel(),
		Frequencies:   settings.Frequencies,
		SampleRate:    settings.SampleRate,
		Held:          st.Held,
		Capacity:      st.Capacity,
		RingDropped:   st.RingDropped,
		DriverDropped: st.DriverDropped,
		Blocks:        st.Blocks,
		Pulled:        a.Pump.Pulled(),
	})
}

func (a *API) setActive(c *gin.Context) {
	var req activeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	if *req.Active {
		if err := a.Source.Initialize(); err != nil {
			errorJSON(c, driverStatus(err), err)
			return
		}
	}
	if err := a.Source.SetActive(*req.Active); err != nil {
		glog.Warningf("unable to set active=%t: %s\n", *req.Active, err)
		errorJSON(c, driverStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "active": a.Source.Active()})
}

func channelParam(c *gin.Context) (int, bool) {
	ch, err := strconv.Atoi(c.Param("channel"))
	if err != nil || ch < 0 || ch >= sdr.NumChannels {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "unknown channel " + c.Param("channel")})
		return 0, false
	}
	return ch, true
}

func (a *API) frequency(c *gin.Context) {
	ch, ok := channelParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": ch, "frequency": a.Source.Frequency(ch)})
}

func (a *API) setFrequency(c *gin.Context) {
	ch, ok := channelParam(c)
	if !ok {
		return
	}
	var req frequencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	set := a.Source.SetFrequency
	if req.Echo {
		set = a.Source.Echo
	}
	if err := set(ch, req.Frequency); err != nil {
		errorJSON(c, driverStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "channel": ch, "frequency": a.Source.Frequency(ch)})
}

func (a *API) setChannel(c *gin.Context) {
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	if *req.Channel < 0 || *req.Channel >= sdr.NumChannels {
		errorJSON(c, http.StatusBadRequest, errors.New("unknown channel"))
		return
	}
	if err := a.Source.SetActiveChannel(*req.Channel); err != nil {
		errorJSON(c, driverStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "channel": a.Source.ActiveChannel()})
}

func (a *API) settings(c *gin.Context) {
	c.JSON(http.StatusOK, a.Source.Settings())
}

func (a *API) setSettings(c *gin.Context) {
	var settings sdr.Settings
	if err := c.ShouldBindJSON(&settings); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	a.Source.SetSettings(settings)
	c.JSON(http.StatusOK, a.Source.Settings())
}

func (a *API) sampleRates(c *gin.Context) {
	rates, err := a.Source.SampleRates()
	if err != nil {
		errorJSON(c, driverStatus(err), err)
		return
	}
	out := make([]gin.H, 0, len(rates))
	for _, r := range rates {
		out = append(out, gin.H{"rate": r.Rate, "label": r.Label})
	}
	c.JSON(http.StatusOK, out)
}

// samples returns the last pulled block as little endian float32 I/Q pairs.
func (a *API) samples(c *gin.Context) {
	block := a.Pump.Last()
	if block == nil {
		c.Status(http.StatusNoContent)
		return
	}
	var buf bytes.Buffer
	for _, s := range block {
		binary.Write(&buf, binary.LittleEndian, [2]float32{real(s), imag(s)})
	}
	c.Data(http.StatusOK, "application/octet-stream", buf.Bytes())
}

func (a *API) spectrum(c *gin.Context) {
	block := a.Pump.Last()
	if block == nil {
		c.Status(http.StatusNoContent)
		return
	}
	settings := a.Source.Settings()
	width, _ := strconv.Atoi(c.DefaultQuery("width", "0"))
	height, _ := strconv.Atoi(c.DefaultQuery("height", "0"))
	img, err := render.RenderSpectrum(block, render.Options{
		Width:      width,
		Height:     height,
		CenterFreq: settings.Frequencies[a.Source.ActiveChannel()],
		SampleRate: settings.SampleRate,
		AddGrid:    c.Query("grid") != "false",
	})
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

func (a *API) waterfallImage(c *gin.Context) {
	a.mu.Lock()
	rows := a.waterfall.Rows()
	img := a.waterfall.Image()
	a.mu.Unlock()
	if rows == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}
