package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/joshdurbin/linkbottle/internal/domain"
)

// Commands provides command-line operations for the client
type Commands struct {
	client *Client
	out    io.Writer
}

// NewCommands creates a new Commands instance writing to out
func NewCommands(client *Client, out io.Writer) *Commands {
	return &Commands{
		client: client,
		out:    out,
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

// Create shortens a URL and displays the result
func (c *Commands) Create(ctx context.Context, req domain.ShortenRequest) error {
	result, err := c.client.CreateLink(ctx, req)
	if err != nil {
		return err
	}

	if result.Created {
		fmt.Fprintf(c.out, "Short URL created:\n")
	} else {
		fmt.Fprintf(c.out, "Existing short URL:\n")
	}
	if result.ShortCode != nil {
		fmt.Fprintf(c.out, "Short Code: %s\n", *result.ShortCode)
	}
	if result.Alias != nil {
		fmt.Fprintf(c.out, "Alias: %s\n", *result.Alias)
	}
	fmt.Fprintf(c.out, "Short URL: %s\n", result.ShortURL)
	fmt.Fprintf(c.out, "Original URL: %s\n", result.OriginalURL)
	fmt.Fprintf(c.out, "Title: %s\n", result.Title)
	fmt.Fprintf(c.out, "Created At: %s\n", result.CreatedAt.Format(time.RFC3339))

	return nil
}

// Get retrieves and displays a link record
func (c *Commands) Get(ctx context.Context, key string) error {
	record, err := c.client.GetLink(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			fmt.Fprintf(c.out, "Link '%s' not found\n", key)
			return nil
		}
		return err
	}

	fmt.Fprintf(c.out, "Link Information:\n")
	fmt.Fprintf(c.out, "Key: %s\n", record.Key())
	fmt.Fprintf(c.out, "Original URL: %s\n", record.OriginalURL)
	fmt.Fprintf(c.out, "Title: %s\n", record.Title)
	fmt.Fprintf(c.out, "Created At: %s\n", record.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(c.out, "Clicks: %d\n", record.Clicks)
	if record.QRPath != nil {
		fmt.Fprintf(c.out, "QR Code: %s\n", *record.QRPath)
	}

	return nil
}

// Update changes the caller's title and/or tags for a link
func (c *Commands) Update(ctx context.Context, key string, req domain.UpdateLinkRequest) error {
	view, err := c.client.UpdateLink(ctx, key, req)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			fmt.Fprintf(c.out, "Link '%s' not found\n", key)
			return nil
		}
		return err
	}

	fmt.Fprintf(c.out, "Link '%s' updated\n", key)
	fmt.Fprintf(c.out, "Title: %s\n", view.Title)
	fmt.Fprintf(c.out, "Tags: %s\n", strings.Join(view.Tags, ", "))
	return nil
}

// Delete removes the caller's link
func (c *Commands) Delete(ctx context.Context, key string) error {
	err := c.client.DeleteLink(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			fmt.Fprintf(c.out, "Link '%s' not found\n", key)
			return nil
		}
		return err
	}

	fmt.Fprintf(c.out, "Link '%s' deleted successfully\n", key)
	return nil
}

// Title displays the page title the server finds for a URL
func (c *Commands) Title(ctx context.Context, target string) error {
	title, err := c.client.FetchTitle(ctx, target)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s\n", title.Title)
	return nil
}

// List displays the caller's links in a table format
func (c *Commands) List(ctx context.Context) error {
	views, err := c.client.ListLinks(ctx)
	if err != nil {
		return err
	}

	if len(views) == 0 {
		fmt.Fprintln(c.out, "No links found")
		return nil
	}

	fmt.Fprintf(c.out, "%-15s %-40s %-30s %-20s %s\n", "Key", "Original URL", "Title", "Created At", "Clicks")
	fmt.Fprintln(c.out, strings.Repeat("-", 120))

	for _, view := range views {
		fmt.Fprintf(c.out, "%-15s %-40s %-30s %-20s %d\n",
			view.Key(),
			truncate(view.OriginalURL, 40),
			truncate(view.Title, 30),
			view.CreatedAt.Format("2006-01-02 15:04:05"),
			view.Clicks,
		)
	}

	return nil
}
