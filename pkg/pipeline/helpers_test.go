package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"debvault/pkg/assembler"
	"debvault/pkg/configure"
	"debvault/pkg/debtest"
	"debvault/pkg/dpkg"
	"debvault/pkg/fetcher"
	"debvault/pkg/graph"
	"debvault/pkg/lockfile"
	"debvault/pkg/meta"
	"debvault/pkg/refs"
	"debvault/pkg/storage"
	"debvault/pkg/storage/disk"
)

// mirror 是一个按路径提供 .deb 的 HTTP 镜像站
type mirror struct {
	*httptest.Server
	mu    sync.Mutex
	files map[string][]byte
	hits  int
}

func newMirror(t *testing.T) *mirror {
	m := &mirror{files: map[string][]byte{}}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits++
		body, ok := m.files[r.URL.Path]
		m.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *mirror) put(path string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files["/"+path] = body
}

func (m *mirror) Hits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits
}

// hostSandbox 直接在宿主机上执行 "dpkg --configure -a" 的模拟效果
type hostSandbox struct {
	mu    sync.Mutex
	execs int
}

func (s *hostSandbox) Exec(_ context.Context, root string, argv ...string) error {
	s.mu.Lock()
	s.execs++
	s.mu.Unlock()
	if argv[0] == "dpkg" && len(argv) > 1 && argv[1] == "--configure" {
		status := filepath.Join(root, "var/lib/dpkg/status")
		data, err := os.ReadFile(status)
		if err != nil {
			return err
		}
		configured := strings.ReplaceAll(string(data), "install ok unpacked", "install ok installed")
		return os.WriteFile(status, []byte(configured), 0o644)
	}
	return nil
}

func (s *hostSandbox) Archive(_ context.Context, root string, w io.Writer) error {
	return debtest.ArchiveDir(root, w)
}

func (s *hostSandbox) Remove(_ context.Context, root string) error {
	return os.RemoveAll(root)
}

type env struct {
	t       *testing.T
	dir     string
	store   storage.Store
	refs    *refs.Manager
	cache   graph.Cache
	mirror  *mirror
	sandbox *hostSandbox
	tool    *fakeIndex
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	metaDB := meta.NewWithConn(db)
	require.NoError(t, metaDB.AutoMigrate(meta.Models()...))
	repo := meta.NewRepository(metaDB)

	store, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)

	return &env{
		t:       t,
		dir:     t.TempDir(),
		store:   store,
		refs:    refs.NewManager(repo),
		cache:   graph.NewLedgerCache(repo),
		mirror:  newMirror(t),
		sandbox: &hostSandbox{},
		tool:    &fakeIndex{},
	}
}

// publish 把包放到镜像站上，返回它在锁文件里的段落
func (e *env) publish(p debtest.Package) string {
	deb := debtest.Build(e.t, p)
	e.mirror.put(debtest.Filename(p), deb)
	return debtest.Paragraph(p, deb)
}

func (e *env) writeLockfile(name string, paragraphs ...string) {
	e.t.Helper()
	body := "Distribution: bookworm\nArchive-URL: " + e.mirror.URL + "\nArchitecture: amd64\n"
	for _, p := range paragraphs {
		body += "\n" + p
	}
	require.NoError(e.t, os.WriteFile(filepath.Join(e.dir, name), []byte(body), 0o644))
}

func (e *env) pipeline(mirrors ...string) *Pipeline {
	e.t.Helper()
	if len(mirrors) == 0 {
		mirrors = []string{e.mirror.URL}
	}
	log := zaptest.NewLogger(e.t)
	f, err := fetcher.New(e.store, fetcher.Config{Mirrors: mirrors, TmpDir: e.t.TempDir(), Logger: log})
	require.NoError(e.t, err)

	p, err := New(&BuildContext{
		Store:     e.store,
		Fetcher:   f,
		Deriver:   dpkg.NewDeriver(e.store),
		Assembler: assembler.New(e.store),
		Configure: configure.NewStage(e.store, e.sandbox, configure.Options{WorkDir: e.t.TempDir(), Logger: log}),
		Lockfiles: lockfile.NewManager(e.tool, log),
		Dir:       e.dir,
		Logger:    log,
	})
	require.NoError(e.t, err)
	return p
}

func (e *env) engine(p *Pipeline) *graph.Engine {
	return graph.NewEngine(p.Graph(), e.cache, e.refs, e.store, graph.Options{
		Jobs:   4,
		Pools:  map[string]int{DownloadPool: 2},
		Dir:    e.dir,
		Logger: zaptest.NewLogger(e.t),
	})
}

// fakeIndex 代替 aptly，直接返回预置的 Packages 段落
type fakeIndex struct {
	mu    sync.Mutex
	out   string
	calls int
}

func (f *fakeIndex) List(_ context.Context, _ lockfile.Request, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return []byte(f.out), nil
}
