// Package rss renders the observer's RSS 2.0 feeds: recent forks, invalid
// blocks, lagging nodes and unreachable nodes, one set per network. Feeds
// are rendered on request from the current in-memory state.
package rss

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/forkscope/forkscope/internal/reconcile"
	"github.com/forkscope/forkscope/pkg/chain"
)

// FeedKind selects one of the per-network feeds.
type FeedKind string

const (
	FeedForks       FeedKind = "forks"
	FeedInvalid     FeedKind = "invalid"
	FeedLagging     FeedKind = "lagging"
	FeedUnreachable FeedKind = "unreachable"
)

const (
	// maxFeedItems bounds every feed.
	maxFeedItems = 20
	// laggingBlocks is how far behind the network's best active tip a node
	// may be before it appears in the lagging feed.
	laggingBlocks = 3
)

// Generator renders feeds. baseURL is the public URL of this instance, used
// for channel and item links.
type Generator struct {
	baseURL string
}

// NewGenerator creates a Generator.
func NewGenerator(baseURL string) *Generator {
	return &Generator{baseURL: strings.TrimSuffix(baseURL, "/")}
}

type feedXML struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel channelXML `xml:"channel"`
}

type channelXML struct {
	Title       string    `xml:"title"`
	Link        string    `xml:"link"`
	Description string    `xml:"description"`
	Items       []itemXML `xml:"item"`
}

type itemXML struct {
	Title       string `xml:"title"`
	Description string `xml:"description"`
	GUID        string `xml:"guid"`
	PubDate     string `xml:"pubDate,omitempty"`
}

// Feed renders one feed for one network.
func (g *Generator) Feed(kind FeedKind, network *reconcile.Reconciler) ([]byte, error) {
	info := network.Network()

	var channel channelXML
	switch kind {
	case FeedForks:
		channel = g.forksChannel(info, network)
	case FeedInvalid:
		channel = g.invalidChannel(info, network)
	case FeedLagging:
		channel = g.laggingChannel(info, network)
	case FeedUnreachable:
		channel = g.unreachableChannel(info, network)
	default:
		return nil, fmt.Errorf("unknown feed kind %q", kind)
	}

	body, err := xml.MarshalIndent(feedXML{Version: "2.0", Channel: channel}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render %s feed: %w", kind, err)
	}
	return append([]byte(xml.Header), body...), nil
}

func (g *Generator) forksChannel(info chain.NetworkJSON, network *reconcile.Reconciler) channelXML {
	channel := channelXML{
		Title:       fmt.Sprintf("Recent forks - %s", info.Name),
		Link:        g.baseURL,
		Description: fmt.Sprintf("Recent forks observed on the %s network", info.Name),
	}
	for _, fork := range network.Forks(maxFeedItems) {
		var hashes []string
		for _, child := range fork.Children {
			hashes = append(hashes, child.Hash.String())
		}
		channel.Items = append(channel.Items, itemXML{
			Title: fmt.Sprintf("Fork at height %d", fork.Common.Height),
			Description: fmt.Sprintf("Blocks %s build on the same parent %s",
				strings.Join(hashes, ", "), fork.Common.Hash),
			GUID:    fmt.Sprintf("fork-%s", fork.Common.Hash),
			PubDate: pubDate(fork.Common.Time),
		})
	}
	return channel
}

func (g *Generator) invalidChannel(info chain.NetworkJSON, network *reconcile.Reconciler) channelXML {
	channel := channelXML{
		Title:       fmt.Sprintf("Invalid blocks - %s", info.Name),
		Link:        g.baseURL,
		Description: fmt.Sprintf("Blocks considered invalid by nodes on the %s network", info.Name),
	}
	invalid := network.InvalidTips()
	if len(invalid) > maxFeedItems {
		invalid = invalid[:maxFeedItems]
	}
	for _, tip := range invalid {
		channel.Items = append(channel.Items, itemXML{
			Title: fmt.Sprintf("Invalid block at height %d", tip.Tip.Height),
			Description: fmt.Sprintf("Block %s is considered invalid by: %s",
				tip.Tip.Hash, strings.Join(tip.Nodes, ", ")),
			GUID: fmt.Sprintf("invalid-%s", tip.Tip.Hash),
		})
	}
	return channel
}

func (g *Generator) laggingChannel(info chain.NetworkJSON, network *reconcile.Reconciler) channelXML {
	channel := channelXML{
		Title:       fmt.Sprintf("Lagging nodes - %s", info.Name),
		Link:        g.baseURL,
		Description: fmt.Sprintf("Nodes behind the best active tip on the %s network", info.Name),
	}
	for _, node := range network.LaggingNodes(laggingBlocks) {
		channel.Items = append(channel.Items, itemXML{
			Title:       fmt.Sprintf("Node %s is lagging behind", node.Name),
			Description: fmt.Sprintf("Node %s (%s %s) has not reached the network's best active tip", node.Name, node.Implementation, node.Version),
			// The guid changes with the tip set so feed readers resurface
			// the item while the node keeps lagging.
			GUID: fmt.Sprintf("lagging-%d-%s", node.ID, activeTipHash(node)),
		})
	}
	return channel
}

func (g *Generator) unreachableChannel(info chain.NetworkJSON, network *reconcile.Reconciler) channelXML {
	channel := channelXML{
		Title:       fmt.Sprintf("Unreachable nodes - %s", info.Name),
		Link:        g.baseURL,
		Description: fmt.Sprintf("Nodes that could not be polled on the %s network", info.Name),
	}
	for _, node := range network.UnreachableNodes() {
		channel.Items = append(channel.Items, itemXML{
			Title:       fmt.Sprintf("Node %s is unreachable", node.Name),
			Description: fmt.Sprintf("Node %s (%s) failed its most recent poll", node.Name, node.Implementation),
			GUID:        fmt.Sprintf("unreachable-%d-%d", node.ID, node.LastChanged),
		})
	}
	return channel
}

func activeTipHash(node chain.NodeJSON) string {
	for _, tip := range node.Tips {
		if tip.Status == chain.StatusActive {
			return tip.Hash
		}
	}
	return "none"
}

func pubDate(unix uint32) string {
	if unix == 0 {
		return ""
	}
	return time.Unix(int64(unix), 0).UTC().Format(time.RFC1123Z)
}
