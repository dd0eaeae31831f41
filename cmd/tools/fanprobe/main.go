package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	defaultAPI := os.Getenv("FANPROBE_API")
	if defaultAPI == "" {
		defaultAPI = "http://localhost:8080"
	}

	mode := flag.String("mode", "full", "测试模式: send, verify 或 full")
	api := flag.String("api", defaultAPI, "API 根地址")
	username := flag.String("user", "ada", "接收消息的主页用户名")
	holderID := flag.String("holder", "holder-ada", "full 模式下用于审核的主页主人 ID")
	content := flag.String("content", "", "粉丝消息内容，留空则自动生成")
	token := flag.String("token", "", "verify 模式使用的会话令牌")
	timeout := flag.Duration("timeout", 15*time.Second, "请求超时时间")

	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	p := &probe{api: strings.TrimRight(*api, "/"), client: &http.Client{}}

	switch *mode {
	case "send":
		sent := p.send(ctx, *username, messageContent(*content))
		log.Printf("粉丝消息已发送: id=%s token=%s", sent.Message.ID, sent.Token)
	case "verify":
		if *token == "" {
			log.Fatal("verify 模式需要通过 -token 提供会话令牌")
		}
		p.verify(ctx, *token, *holderID)
	case "full":
		sent := p.send(ctx, *username, messageContent(*content))
		log.Printf("粉丝消息已发送: id=%s", sent.Message.ID)
		p.moderate(ctx, *holderID, sent.Message.ID, "accept")
		p.verify(ctx, sent.Token, *holderID)
		p.chat(ctx, sent.Token, *holderID, "probe reply")
		log.Println("探测完成")
	default:
		flag.Usage()
		log.Fatal("请通过 -mode=send, -mode=verify 或 -mode=full 指定测试模式")
	}
}

func messageContent(content string) string {
	if content != "" {
		return content
	}
	return "fanprobe " + uuid.NewString()
}

type sendResponse struct {
	Message struct {
		ID               string `json:"id"`
		ReceiverID       string `json:"receiverId"`
		SessionExpiresAt int64  `json:"sessionExpiresAt"`
	} `json:"message"`
	Token string `json:"sessionToken"`
}

type probe struct {
	api    string
	client *http.Client
}

func (p *probe) send(ctx context.Context, username, content string) sendResponse {
	var out sendResponse
	p.call(ctx, http.MethodPost, "/api/profiles/"+username+"/messages", nil,
		map[string]string{"content": content, "messageType": "fan"}, http.StatusCreated, &out)
	return out
}

func (p *probe) moderate(ctx context.Context, holderID, messageID, decision string) {
	headers := map[string]string{"X-Holder-ID": holderID}
	p.call(ctx, http.MethodPost, "/api/inbox/"+messageID+"/moderation", headers,
		map[string]string{"decision": decision}, http.StatusOK, nil)
	log.Printf("审核完成: message=%s decision=%s", messageID, decision)
}

func (p *probe) verify(ctx context.Context, token, receiverID string) {
	var out struct {
		Session struct {
			MessageID      string `json:"messageId"`
			ExpiresAt      int64  `json:"expiresAt"`
			InitialContent string `json:"initialContent"`
		} `json:"session"`
	}
	p.call(ctx, http.MethodPost, "/api/sessions/verify", nil,
		map[string]string{"token": token, "receiverId": receiverID}, http.StatusOK, &out)
	log.Printf("会话校验成功: message=%s expires=%s initial=%q",
		out.Session.MessageID, time.UnixMilli(out.Session.ExpiresAt).UTC().Format(time.RFC3339), out.Session.InitialContent)
}

func (p *probe) chat(ctx context.Context, token, receiverID, content string) {
	headers := map[string]string{"Authorization": "Bearer " + token}
	p.call(ctx, http.MethodPost, "/api/sessions/messages", headers,
		map[string]string{"receiverId": receiverID, "content": content}, http.StatusCreated, nil)
	log.Printf("粉丝回复已发送: %q", content)
}

func (p *probe) call(ctx context.Context, method, path string, headers map[string]string, body any, want int, out any) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("编码请求失败: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.api+path, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("构造请求失败: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		log.Fatalf("%s %s 调用失败: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("读取响应失败: %v", err)
	}
	if resp.StatusCode != want {
		log.Fatalf("%s %s 返回 %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			log.Fatalf("解析响应失败: %v", err)
		}
	}
	fmt.Fprintf(os.Stderr, "%s %s -> %d\n", method, path, resp.StatusCode)
}
