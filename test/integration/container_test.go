package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultPGImage = "postgres:16-alpine"
	pgUser         = "hms"
	pgPassword     = "hms"
	pgDatabase     = "hms_test"
	readyTimeout   = 30 * time.Second
)

var errNoDocker = errors.New("docker is not available")

// pgContainer is a disposable Postgres server run through the docker CLI.
// Data lives on tmpfs with fsync off; nothing survives Close.
type pgContainer struct {
	id   string
	addr string
}

// startPostgres runs HMS_TEST_PG_IMAGE (postgres:16-alpine by default) and
// waits until pg_isready inside the container reports the server accepting
// connections. Docker picks the host port.
func startPostgres(ctx context.Context) (*pgContainer, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, errNoDocker
	}
	image := os.Getenv("HMS_TEST_PG_IMAGE")
	if image == "" {
		image = defaultPGImage
	}

	out, err := docker(ctx, "run", "-d", "--rm",
		"--label", "hms.integration=true",
		"--tmpfs", "/var/lib/postgresql/data",
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER="+pgUser,
		"-e", "POSTGRES_PASSWORD="+pgPassword,
		"-e", "POSTGRES_DB="+pgDatabase,
		image, "-c", "fsync=off", "-c", "full_page_writes=off",
	)
	if err != nil {
		return nil, err
	}
	c := &pgContainer{id: out}

	if c.addr, err = c.hostAddr(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.waitReady(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *pgContainer) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgPassword, c.addr, pgDatabase)
}

func (c *pgContainer) Close() {
	_, _ = docker(context.Background(), "rm", "-f", "-v", c.id)
}

// hostAddr reads the published address of the container's 5432/tcp.
func (c *pgContainer) hostAddr(ctx context.Context) (string, error) {
	out, err := docker(ctx, "port", c.id, "5432/tcp")
	if err != nil {
		return "", err
	}
	// One line per address family; the first is enough.
	addr := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("unexpected docker port output %q: %w", out, err)
	}
	return addr, nil
}

// waitReady polls pg_isready over the container's TCP socket, so the
// entrypoint's temporary init server does not count as ready.
func (c *pgContainer) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		if _, err := docker(ctx, "exec", c.id, "pg_isready", "-h", "127.0.0.1", "-U", pgUser, "-d", pgDatabase); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			logs, _ := docker(context.Background(), "logs", "--tail", "20", c.id)
			return fmt.Errorf("postgres not ready after %v: %s", readyTimeout, logs)
		case <-tick.C:
		}
	}
}

func docker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}
