package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
)

const lfsPointerPrefix = "version https://git-lfs.github.com/spec/v1"

// maxLFSPointerSize bounds how large a body may be and still be treated as an
// LFS pointer file. Real pointers are around 130 bytes.
const maxLFSPointerSize = 1024

type blobResponse struct {
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Size     int64  `json:"size"`
}

// FetchFile downloads path from the raw content host. LFS pointers are
// resolved through the media host. When the raw host answers 404, a token is
// configured and sha is known, the content is read from the blob API
// instead; private repositories are often not served by the raw host.
func (c *RESTClient) FetchFile(ctx context.Context, repo, branch, path, sha string) ([]byte, error) {
	rawURL := fmt.Sprintf("%s/%s/%s/%s", c.settings.RawURL, escapePath(repo), escapePath(branch), escapePath(path))

	content, err := c.get(ctx, rawURL, "")
	if err != nil {
		if IsNotFound(err) && c.Authenticated() && sha != "" {
			c.logger.Debug("raw content not found, falling back to blob API", "repo", repo, "path", path, "sha", sha)
			content, err = c.FetchBlob(ctx, repo, sha)
			if err != nil {
				return nil, &FetchFailedError{Repo: repo, Path: path, Err: err}
			}
			return content, nil
		}
		return nil, &FetchFailedError{Repo: repo, Path: path, Err: err}
	}

	if isLFSPointer(content) {
		mediaURL := fmt.Sprintf("%s/%s/%s/%s", c.settings.MediaURL, escapePath(repo), escapePath(branch), escapePath(path))
		c.logger.Debug("resolving LFS pointer", "repo", repo, "path", path)
		content, err = c.get(ctx, mediaURL, "")
		if err != nil {
			return nil, &FetchFailedError{Repo: repo, Path: path, Err: fmt.Errorf("failed to fetch LFS object: %w", err)}
		}
	}

	return content, nil
}

// FetchBlob reads a blob by SHA from the git data API and decodes it
func (c *RESTClient) FetchBlob(ctx context.Context, repo, sha string) ([]byte, error) {
	var blob blobResponse
	if err := c.getJSON(ctx, c.apiURL("repos", escapePath(repo), "git", "blobs", sha), &blob); err != nil {
		return nil, err
	}

	switch blob.Encoding {
	case "base64", "":
		// The API wraps base64 content at 60 columns; the decoder skips newlines.
		data, err := base64.StdEncoding.DecodeString(blob.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to decode blob %s: %w", sha, err)
		}
		return data, nil
	case "utf-8":
		return []byte(blob.Content), nil
	default:
		return nil, fmt.Errorf("unsupported blob encoding %q for %s", blob.Encoding, sha)
	}
}

// isLFSPointer reports whether body is a Git LFS pointer file instead of the
// real content.
func isLFSPointer(body []byte) bool {
	return len(body) <= maxLFSPointerSize && bytes.HasPrefix(body, []byte(lfsPointerPrefix))
}
