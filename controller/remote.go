package controller

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"filebridge/bridge"
	"filebridge/config"
	"filebridge/downloader"
	"filebridge/logging"
	"filebridge/websocket"
	fsservice "filebridge/websocket/service/fs"
	"filebridge/websocket/service/heartbeat"
	selectionservice "filebridge/websocket/service/selection"
	transferservice "filebridge/websocket/service/transfer"
	uploadservice "filebridge/websocket/service/upload"
	watchservice "filebridge/websocket/service/watch"
	"filebridge/workspace"
)

type RemoteController struct {
	cfg     config.Config
	manager *workspace.Manager
	log     zerolog.Logger
}

func NewRemoteController(cfg config.Config, manager *workspace.Manager) *RemoteController {
	return &RemoteController{
		cfg:     cfg,
		manager: manager,
		log:     logging.For("controller"),
	}
}

type remoteInfo struct {
	Type string `json:"type" binding:"required"`
	Name string `json:"name"`
	// initial local working directory
	LocalDir string `json:"localDir"`

	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	KeyFile    string `json:"keyFile"`
	Passphrase string `json:"passphrase"`
	KnownHosts string `json:"knownHosts"`

	Endpoint  string `json:"endpoint"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`

	Root string `json:"root"`
}

// remote overlays the request on the configured remote defaults.
func (ri remoteInfo) remote(base config.Remote) config.Remote {
	r := base
	r.Type = ri.Type
	r.Name = ri.Name
	switch ri.Type {
	case config.RemoteSFTP:
		r.SFTP.Host = ri.Host
		if ri.Port != 0 {
			r.SFTP.Port = ri.Port
		}
		r.SFTP.Username = ri.Username
		r.SFTP.Password = ri.Password
		r.SFTP.KeyFile = ri.KeyFile
		r.SFTP.KeyPassphrase = ri.Passphrase
		if ri.KnownHosts != "" {
			r.SFTP.KnownHosts = ri.KnownHosts
		}
	case config.RemoteS3:
		r.S3 = config.S3{
			Endpoint:  ri.Endpoint,
			Region:    ri.Region,
			Bucket:    ri.Bucket,
			Prefix:    ri.Prefix,
			AccessKey: ri.AccessKey,
			SecretKey: ri.SecretKey,
		}
	case config.RemoteLocal:
		r.Local.Root = ri.Root
	}
	return r
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, bridge.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, bridge.ErrUnsupportedFeature):
		return http.StatusNotImplemented
	case errors.Is(err, bridge.ErrConnectionLost):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (rc *RemoteController) Connect(c *gin.Context) {
	var info remoteInfo
	if err := c.ShouldBindJSON(&info); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg := rc.cfg
	cfg.Remote = info.remote(cfg.Remote)
	w, err := workspace.Open(c.Request.Context(), cfg)
	if err != nil {
		rc.log.Warn().Err(err).Str("type", info.Type).Msg("failed to connect remote")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if info.LocalDir != "" {
		w.Selection.Navigate(bridge.Local, info.LocalDir)
	}
	rc.manager.Add(w)

	c.JSON(http.StatusOK, gin.H{
		"id":           w.ID,
		"provider":     w.Bridge.ProviderName(bridge.Remote),
		"capabilities": w.Bridge.Capabilities(bridge.Remote).Names(),
	})
}

func (rc *RemoteController) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ids": rc.manager.IDs()})
}

func (rc *RemoteController) workspace(c *gin.Context) (*workspace.Workspace, bool) {
	w, ok := rc.manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown remote id"})
	}
	return w, ok
}

func (rc *RemoteController) Disconnect(c *gin.Context) {
	ok, err := rc.manager.Close(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown remote id"})
		return
	}
	if err != nil {
		rc.log.Warn().Err(err).Str("id", c.Param("id")).Msg("remote closed with error")
	}
	c.Status(http.StatusNoContent)
}

func (rc *RemoteController) StartSession(c *gin.Context) {
	w, ok := rc.workspace(c)
	if !ok {
		return
	}

	wsServer, err := websocket.NewServer(c.Writer, c.Request, rc.cfg.Server.ConnectionTimeout.Duration)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	wsServer.Register(fsservice.NewService(w.Bridge))
	wsServer.Register(selectionservice.NewService(w.Bridge, w.Selection))
	wsServer.Register(transferservice.NewService(w.Bridge, w.Queue, w.Bus))
	wsServer.Register(watchservice.NewService(w.Watch, w.Bus))
	wsServer.Register(uploadservice.NewService(w.Bridge))

	wsServer.RegisterPassive(heartbeat.NewService())

	wsServer.Start()
}

func (rc *RemoteController) Download(c *gin.Context) {
	w, ok := rc.workspace(c)
	if !ok {
		return
	}

	var req struct {
		Side string `form:"side"`
		Path string `form:"path" binding:"required"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	side := bridge.Remote
	if req.Side != "" {
		s, ok := bridge.ParseSide(req.Side)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown side %q", req.Side)})
			return
		}
		side = s
	}

	d := downloader.New(w.Bridge)
	e, err := d.Stat(c.Request.Context(), side, req.Path)
	if err != nil {
		c.JSON(httpStatus(err), gin.H{"error": err.Error()})
		return
	}

	if e.IsDir() {
		r, _, err := d.DownloadDir(c.Request.Context(), side, req.Path)
		if err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		defer r.Close()
		c.DataFromReader(http.StatusOK, -1, "application/zip", r, map[string]string{
			"Content-Disposition": fmt.Sprintf(`attachment; filename="%s.zip"`, e.Name),
		})
		return
	}

	r, e, err := d.Download(c.Request.Context(), side, req.Path)
	if err != nil {
		c.JSON(httpStatus(err), gin.H{"error": err.Error()})
		return
	}
	defer r.Close()
	c.DataFromReader(http.StatusOK, e.Size, "application/octet-stream", r, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, e.Name),
	})
}
