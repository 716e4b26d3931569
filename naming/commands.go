package naming

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stilllearninggo/dfs/dfserr"
	"github.com/stilllearninggo/dfs/fspath"
)

// commandClient - issues control operations against storage server command
// interfaces. Callers must not hold the naming server monitor across these
// calls.
type commandClient struct {
	client *http.Client
}

func newCommandClient() *commandClient {
	return &commandClient{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type createCommand struct {
	Path string `json:"path"`
}

type deleteCommand struct {
	Path string `json:"path"`
}

type copyCommand struct {
	Path       string `json:"path"`
	SourceAddr string `json:"source_addr"`
	SourcePort int    `json:"source_port"`
}

// Create - instruct a storage server to create an empty file
func (c *commandClient) Create(server *StorageServerInfo, p fspath.Path) (bool, *dfserr.Exception) {
	return c.post(server, "storage_create", createCommand{Path: p.String()})
}

// Delete - instruct a storage server to delete a subtree
func (c *commandClient) Delete(server *StorageServerInfo, p fspath.Path) (bool, *dfserr.Exception) {
	return c.post(server, "storage_delete", deleteCommand{Path: p.String()})
}

// Copy - instruct dst to fetch a file from src's client interface
func (c *commandClient) Copy(dst *StorageServerInfo, p fspath.Path, src *StorageServerInfo) (bool, *dfserr.Exception) {
	cmd := copyCommand{
		Path:       p.String(),
		SourceAddr: src.Addr,
		SourcePort: src.ClientPort,
	}
	return c.post(dst, "storage_copy", cmd)
}

func (c *commandClient) post(server *StorageServerInfo, route string, payload any) (bool, *dfserr.Exception) {
	url := fmt.Sprintf("http://%s:%d/%s", server.Addr, server.CommandPort, route)
	body, err := json.Marshal(payload)
	if err != nil {
		return false, dfserr.IO(errors.Wrapf(err, "encoding %s command", route))
	}
	resp, err := c.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.WithFields(log.Fields{
			"url":   url,
			"error": err,
		}).Warn("storage command failed")
		return false, dfserr.IO(errors.Wrapf(err, "posting %s command", route))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var ex dfserr.Exception
		if err := json.NewDecoder(resp.Body).Decode(&ex); err != nil {
			return false, dfserr.IO(errors.Errorf("%s command returned status %d", route, resp.StatusCode))
		}
		return false, &ex
	}
	var success SuccessResponse
	if err := json.NewDecoder(resp.Body).Decode(&success); err != nil {
		return false, dfserr.IO(errors.Wrapf(err, "decoding %s response", route))
	}
	return success.Success, nil
}
