// Package es 提供了与 Elasticsearch 交互的客户端功能。
// 索引的对象是镜像中的会话头，用于搜索的本地回退分支：
// 后端搜索失败时优先查 ES，ES 未启用或失败时再降级为内存子串过滤。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/komilovmDev/avishifo-v58-sub000/internal/config"
	"github.com/komilovmDev/avishifo-v58-sub000/internal/model"
	"github.com/komilovmDev/avishifo-v58-sub000/pkg/log"
)

var ESClient *elasticsearch.Client

// sessionDoc 是会话头在索引中的文档结构。
type sessionDoc struct {
	SessionID   string `json:"session_id"`
	Title       string `json:"title"`
	LastMessage string `json:"last_message"`
	Date        string `json:"date"`
}

// Enabled 返回搜索索引是否已初始化（未配置地址时保持禁用）。
func Enabled() bool {
	return ESClient != nil
}

// InitES 初始化 Elasticsearch 客户端。地址为空时跳过初始化，搜索走内存过滤。
func InitES(esCfg config.ElasticsearchConfig) error {
	if esCfg.Addresses == "" {
		log.Info("未配置 Elasticsearch，会话搜索索引已禁用")
		return nil
	}
	cfg := elasticsearch.Config{
		Addresses: []string{esCfg.Addresses},
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return err
	}
	ESClient = client
	return createIndexIfNotExists(esCfg.IndexName)
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func createIndexIfNotExists(indexName string) error {
	res, err := ESClient.Indices.Exists([]string{indexName})
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		log.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", indexName, res.StatusCode)
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	// 标题与最后一条消息参与全文检索，其余字段仅存储
	mapping := `{
		"mappings": {
			"properties": {
				"session_id": { "type": "keyword" },
				"title": { "type": "text" },
				"last_message": { "type": "text" },
				"date": { "type": "keyword" }
			}
		}
	}`

	res, err = ESClient.Indices.Create(
		indexName,
		ESClient.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", indexName, err)
		return err
	}
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", indexName, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", indexName)
	return nil
}

// IndexSession 将一个会话头写入搜索索引（镜像写入后的尽力而为操作）。
func IndexSession(ctx context.Context, indexName string, session model.ChatSession) error {
	doc := sessionDoc{
		SessionID:   session.ID.String(),
		Title:       session.Title,
		LastMessage: session.LastMessage,
		Date:        session.Date,
	}
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: doc.SessionID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, ESClient)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引会话到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index session")
	}
	return nil
}

// RemoveSession 从搜索索引中移除一个会话头。
func RemoveSession(ctx context.Context, indexName, sessionID string) error {
	req := esapi.DeleteRequest{Index: indexName, DocumentID: sessionID}
	res, err := req.Do(ctx, ESClient)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	// 文档本就不存在时按成功处理
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("从索引移除会话失败: %s", res.String())
	}
	return nil
}

// SearchSessionIDs 按关键字在索引中搜索，返回命中的会话 ID 列表。
func SearchSessionIDs(ctx context.Context, indexName, query string) ([]string, error) {
	body := map[string]interface{}{
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"title", "last_message"},
			},
		},
		"_source": []string{"session_id"},
		"size":    50,
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	res, err := ESClient.Search(
		ESClient.Search.WithContext(ctx),
		ESClient.Search.WithIndex(indexName),
		ESClient.Search.WithBody(bytes.NewReader(bodyBytes)),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("搜索会话索引失败: %s", res.String())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source sessionDoc `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		ids = append(ids, h.Source.SessionID)
	}
	return ids, nil
}
