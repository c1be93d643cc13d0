// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mattermost-mirror/pkg/mirror"
)

const maxHistoryPage = 200

// FetchHistory walks the channel's posts newest first. Pages are chained
// with GetPostsBefore anchored at the oldest post of the previous page.
func (m *MattermostClient) FetchHistory(ctx context.Context, feed mirror.FeedID, opts mirror.HistoryOptions) iter.Seq2[mirror.HistoryMessage, error] {
	return func(yield func(mirror.HistoryMessage, error) bool) {
		channelID := ParseChannelID(feed)
		perPage := opts.PageSize
		if perPage <= 0 || perPage > maxHistoryPage {
			perPage = maxHistoryPage
		}

		anchor := ""
		for {
			postList, err := m.fetchPage(ctx, channelID, anchor, perPage)
			if err != nil {
				yield(mirror.HistoryMessage{}, err)
				return
			}
			if postList == nil || len(postList.Order) == 0 {
				return
			}
			for _, postID := range postList.Order {
				post, ok := postList.Posts[postID]
				if !ok || post == nil {
					continue
				}
				if opts.Since > 0 && post.CreateAt <= opts.Since {
					return
				}
				if post.DeleteAt > 0 || !m.mirrorable(post) {
					continue
				}
				msg := mirror.HistoryMessage{
					ID:       MakeMessageID(post.Id),
					Content:  m.postContent(post),
					Position: post.CreateAt,
				}
				if !yield(msg, nil) {
					return
				}
			}
			if len(postList.Order) < perPage {
				return
			}
			anchor = postList.Order[len(postList.Order)-1]
		}
	}
}

func (m *MattermostClient) fetchPage(ctx context.Context, channelID, anchor string, perPage int) (*model.PostList, error) {
	start := time.Now()
	var (
		postList *model.PostList
		resp     *model.Response
		err      error
	)
	if anchor == "" {
		postList, resp, err = m.client.GetPostsForChannel(ctx, channelID, 0, perPage, "", false, false)
	} else {
		postList, resp, err = m.client.GetPostsBefore(ctx, channelID, anchor, 0, perPage, "", false, false)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch posts for channel %s: %w", channelID, classifyMattermost(resp, err))
	}
	m.log.Debug().
		Str("channel_id", channelID).
		Str("anchor", anchor).
		Int("posts", len(postList.Order)).
		Dur("duration", time.Since(start)).
		Msg("Fetched history page")
	return postList, nil
}
