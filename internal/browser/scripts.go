package browser

import (
	"encoding/json"
	"fmt"

	"github.com/pingfury108/bedu-jiaofu/internal/upload"
)

// uploadJS 在页面内用页面自身的登录态上传图片并保存为页面
const uploadJS = `(async (args) => {
  const item = args.item;
  const fail = (msg) => ({ success: false, error: msg, fileName: item.fileName, index: item.index });
  try {
    const blob = await (await fetch(item.content)).blob();
    const form = new FormData();
    form.append('file', blob, item.fileName);
    const up = await fetch('/edushop/tiku/submit/uploadpic', { method: 'POST', body: form });
    if (!up.ok) return fail('HTTP error! status: ' + up.status);
    const upData = await up.json();
    const cdnUrl = upData && upData.data && upData.data.cdnUrl;
    if (!cdnUrl) return fail('Upload failed for ' + item.fileName + ' - no CDN URL received');
    const save = await fetch('/edushop/textbook/myproducecommit/savepage', {
      method: 'POST',
      headers: { 'Content-Type': 'application/json' },
      body: JSON.stringify({ textbookID: Number(args.textbookID), picUrl: cdnUrl, pageType: args.pageType }),
    });
    if (!save.ok) return fail('HTTP error! status: ' + save.status);
    return { success: true, fileName: item.fileName, cdnUrl: cdnUrl, index: item.index };
  } catch (e) {
    return fail(e && e.message ? e.message : String(e));
  }
})(%s)`

// fetchDataJS GET 同源接口并返回响应中的 data 字段
const fetchDataJS = `(async (path) => {
  const resp = await fetch(path, { headers: { 'Accept': 'application/json' } });
  if (!resp.ok) throw new Error('HTTP error! status: ' + resp.status);
  const body = await resp.json();
  return body && body.data ? body.data : {};
})(%s)`

const activeHTMLJS = `(() => {
  const el = document.activeElement;
  if (!el || el === document.body || !el.isContentEditable) return { found: false, html: '' };
  return { found: true, html: el.innerHTML };
})()`

const setActiveHTMLJS = `((html) => {
  const el = document.activeElement;
  if (!el || el === document.body || !el.isContentEditable) return false;
  const top = el.scrollTop, left = el.scrollLeft;
  el.innerHTML = html;
  el.dispatchEvent(new Event('change', { bubbles: true, cancelable: true }));
  el.scrollTop = top;
  el.scrollLeft = left;
  el.focus();
  return true;
})(%s)`

// insertJS 在光标处插入字符：可编辑区域插入实体化后的 HTML，输入框插入原始字符
const insertJS = `((args) => {
  const el = document.activeElement;
  if (!el) return false;
  if (el.isContentEditable) {
    const sel = window.getSelection();
    if (!sel || sel.rangeCount === 0) return false;
    const range = sel.getRangeAt(0);
    const tmp = document.createElement('div');
    tmp.innerHTML = args.html;
    const node = tmp.firstChild;
    if (!node) return false;
    range.insertNode(node);
    range.setStartAfter(node);
    range.setEndAfter(node);
    return true;
  }
  if (typeof el.value === 'string' && typeof el.selectionStart === 'number') {
    const start = el.selectionStart, end = el.selectionEnd;
    el.value = el.value.substring(0, start) + args.text + el.value.substring(end);
    el.selectionStart = el.selectionEnd = start + args.text.length;
    return true;
  }
  return false;
})(%s)`

func withArgs(script string, args any) (string, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("序列化脚本参数失败: %w", err)
	}
	return fmt.Sprintf(script, b), nil
}

func uploadScript(item upload.Item, textbookID, pageType string) (string, error) {
	return withArgs(uploadJS, map[string]any{
		"item":       item,
		"textbookID": textbookID,
		"pageType":   pageType,
	})
}
