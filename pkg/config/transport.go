package config

import (
	"encoding/base64"
	"fmt"
	"net/url"

	"proxy-speedtest/pkg/models"
)

// BuildTransportURL converts a proxy descriptor into a transport config
// URL understood by the outline-sdk config parser. Only protocols with
// SupportsDirectMeasurement() == true have a URL form; callers must not
// ask for one otherwise.
func BuildTransportURL(p *models.Proxy) (string, error) {
	switch p.Type {
	case models.TypeShadowsocks:
		return buildShadowsocksURL(p)
	case models.TypeSocks5:
		return buildSocksURL(p)
	case models.TypeHTTP, models.TypeHTTPS:
		return buildHTTPProxyURL(p)
	default:
		return "", fmt.Errorf("proxy type %q has no transport URL form", p.Type)
	}
}

func buildShadowsocksURL(p *models.Proxy) (string, error) {
	cipher := p.ParamString("cipher")
	password := p.ParamString("password")
	if cipher == "" || password == "" {
		return "", fmt.Errorf("shadowsocks proxy %q: missing cipher or password", p.Name)
	}

	// Userinfo is the base64 encoding of "method:password".
	userInfo := base64.URLEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%s", cipher, password)))

	u := &url.URL{
		Scheme: "ss",
		User:   url.User(userInfo),
		Host:   p.Addr(),
	}

	if prefix := p.ParamString("prefix"); prefix != "" {
		q := url.Values{}
		q.Add("prefix", prefix)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

func buildSocksURL(p *models.Proxy) (string, error) {
	u := &url.URL{
		Scheme: "socks5",
		Host:   p.Addr(),
	}

	if username := p.ParamString("username"); username != "" {
		u.User = url.UserPassword(username, p.ParamString("password"))
	}

	return u.String(), nil
}

func buildHTTPProxyURL(p *models.Proxy) (string, error) {
	scheme := "http"
	if p.Type == models.TypeHTTPS {
		scheme = "https"
	}

	u := &url.URL{
		Scheme: scheme,
		Host:   p.Addr(),
	}

	if username := p.ParamString("username"); username != "" {
		u.User = url.UserPassword(username, p.ParamString("password"))
	}

	return u.String(), nil
}
