package enze

import (
	"errors"
	"strings"
)

// Templates holds the phrases the source renders. Each %s receives one value.
type Templates struct {
	Title      string `json:"title,omitempty"`       // today's code
	ErrorTitle string `json:"error_title,omitempty"` // today's date key
	Content    string `json:"content,omitempty"`     // today's code, tomorrow's code
	Error      string `json:"error,omitempty"`       // today's date key
	Reminder   string `json:"reminder,omitempty"`    // upload URL
	Joiner     string `json:"joiner,omitempty"`
	Unknown    string `json:"unknown,omitempty"`
}

var defaultTemplates = Templates{
	Title:      "今日排班：%s",
	ErrorTitle: "今日(%s)排班暂未知",
	Content:    "今日排班：%s，明日排班：%s",
	Error:      "今日（%s）排班未更新或格式存在问题",
	Reminder:   "请点击 %s 上传最新排班文件",
	Joiner:     "，",
	Unknown:    "未知",
}

func (t Templates) withDefaults() Templates {
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&t.Title, defaultTemplates.Title)
	fill(&t.ErrorTitle, defaultTemplates.ErrorTitle)
	fill(&t.Content, defaultTemplates.Content)
	fill(&t.Error, defaultTemplates.Error)
	fill(&t.Reminder, defaultTemplates.Reminder)
	fill(&t.Joiner, defaultTemplates.Joiner)
	fill(&t.Unknown, defaultTemplates.Unknown)
	return t
}

// Config is the flow-document options of the enze source.
//
// Example:
//
//	{"name": "enze", "title_key": "日期", "content_key": "张三", "date_format": "%-m.%-d"}
type Config struct {
	TitleKey   string    `json:"title_key"`
	ContentKey string    `json:"content_key"`
	DateFormat string    `json:"date_format"`
	Sheet      string    `json:"sheet,omitempty"`
	Templates  Templates `json:"templates,omitempty"`
}

func (c *Config) validate() error {
	c.TitleKey = strings.TrimSpace(c.TitleKey)
	c.ContentKey = strings.TrimSpace(c.ContentKey)
	if c.TitleKey == "" {
		return errors.New("title_key required")
	}
	if c.ContentKey == "" {
		return errors.New("content_key required")
	}
	if strings.TrimSpace(c.DateFormat) == "" {
		return errors.New("date_format required")
	}
	return nil
}
