package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ldi/claimdeck/pkg/models"
)

// pager is implemented by backends that can page a type server-side.
type pager interface {
	FetchTypePage(ctx context.Context, taskType string, offset, limit int) ([]models.Task, error)
}

// TypePage is one page of a type listing. NextPage is zero on the last page.
type TypePage struct {
	Tasks    []models.Task `json:"tasks"`
	NextPage int           `json:"next_page,omitempty"`
}

func (s *Server) handlePreview(c *gin.Context) {
	perType, ok := s.intQuery(c, "per_type", s.opts.PreviewPerType)
	if !ok {
		return
	}
	tasks, err := s.backend.FetchPreview(c, perType)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(tasks))
}

func (s *Server) handleCounts(c *gin.Context) {
	counts, err := s.backend.FetchCounts(c)
	if err != nil {
		s.abort(c, err)
		return
	}
	if counts == nil {
		counts = []models.TypeCount{}
	}
	c.JSON(http.StatusOK, counts)
}

func (s *Server) handleTypeTasks(c *gin.Context) {
	taskType := c.Param("type")
	page, ok := s.intQuery(c, "page", 1)
	if !ok {
		return
	}
	size, ok := s.intQuery(c, "page_size", s.opts.MaxPageSize)
	if !ok {
		return
	}
	size = min(size, s.opts.MaxPageSize)
	offset := (page - 1) * size

	var tasks []models.Task
	var err error
	if p, ok := s.backend.(pager); ok {
		// One extra row tells us whether another page exists.
		tasks, err = p.FetchTypePage(c, taskType, offset, size+1)
	} else {
		tasks, err = s.backend.FetchByType(c, taskType)
		if err == nil {
			tasks = tasks[min(offset, len(tasks)):]
		}
	}
	if err != nil {
		s.abort(c, err)
		return
	}

	resp := TypePage{Tasks: nonNil(tasks)}
	if len(tasks) > size {
		resp.Tasks = tasks[:size]
		resp.NextPage = page + 1
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTask(c *gin.Context) {
	task, err := s.backend.FetchTask(c, c.Param("id"))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleSearch(c *gin.Context) {
	max, ok := s.intQuery(c, "max", s.opts.SearchMaxResults)
	if !ok {
		return
	}
	tasks, err := s.backend.Search(c, c.Query("q"), min(max, s.opts.SearchMaxResults))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(tasks))
}

// intQuery reads a positive integer query parameter, writing a 400 when
// it is malformed.
func (s *Server) intQuery(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		s.badRequest(c, name+" must be a positive integer")
		return 0, false
	}
	return n, true
}

func nonNil(tasks []models.Task) []models.Task {
	if tasks == nil {
		return []models.Task{}
	}
	return tasks
}
