package process

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var downloadMutex sync.Mutex

// DistroURL returns the download URL of a MongoDB distro tarball.
func DistroURL(distro string) string {
	return fmt.Sprintf("https://fastdl.mongodb.org/linux/%s.tgz", distro)
}

// fetchBinary returns the path to the given binary of the given distro,
// downloading and unpacking the distro into cacheDir first if needed.
func fetchBinary(cacheDir, distro string, b Binary) (string, error) {
	if cacheDir == "" {
		cacheDir = "mongodb_exec"
	}

	distroDir := filepath.Join(cacheDir, distro)
	binPath := filepath.Join(distroDir, "bin", string(b))

	downloadMutex.Lock()
	defer downloadMutex.Unlock()

	if _, err := os.Stat(distroDir); err == nil {
		return binPath, nil
	} else if !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "failed to stat %#q", distroDir)
	}

	r, err := curl(DistroURL(distro))
	if err != nil {
		return "", err
	}
	defer r.Close()

	if err := untar(r, cacheDir); err != nil {
		return "", errors.Wrapf(err, "failed to unpack %s", distro)
	}

	return binPath, nil
}

func curl(url string) (io.ReadCloser, error) {
	resp, err := http.Get(url) //nolint:gosec
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %s", url)
	}

	// Ensure that the HTTP response was a 2xx.
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %s (%s)", resp.Status, url)
	}

	return resp.Body, nil
}

func untar(r io.Reader, dst string) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)

	for {
		header, err := tr.Next()

		switch {
		case err == io.EOF:
			return nil
		case err != nil:
			return err
		case header == nil:
			continue
		}

		target := filepath.Join(dst, header.Name)
		if !strings.HasPrefix(target, filepath.Clean(dst)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %#q escapes %#q", header.Name, dst)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}

			if err := writeFile(target, tr, os.FileMode(header.Mode)); err != nil {
				return err
			}
		}
	}
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, r)
	return err
}
