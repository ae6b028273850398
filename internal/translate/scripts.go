package translate

// Page-side scripts. Each is an IIFE returning {success, ...}. The %[n]s
// verbs are only ever filled with JSON-encoded values.

const clickByTextScript = `(() => {
  const wanted = %[1]s;
  const needle = wanted.toLowerCase();
  const selector = 'button, a, summary, label, [role="button"], [role="link"], [role="menuitem"], [role="tab"], [role="option"], input[type="button"], input[type="submit"], [onclick], [tabindex]';
  const visible = (el) => {
    const r = el.getBoundingClientRect();
    const s = window.getComputedStyle(el);
    return r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none';
  };
  const textOf = (el) => ((el.innerText || el.value || '') + ' ' + (el.getAttribute('aria-label') || '')).toLowerCase();
  let best = null;
  let bestArea = Infinity;
  for (const el of document.querySelectorAll(selector)) {
    if (!visible(el) || !textOf(el).includes(needle)) continue;
    const r = el.getBoundingClientRect();
    const area = r.width * r.height;
    if (area < bestArea) {
      best = el;
      bestArea = area;
    }
  }
  if (!best) return { success: false, error: 'No visible clickable element contains text: ' + wanted };
  best.scrollIntoView({ block: 'center', inline: 'center' });
  best.click();
  return { success: true, tag: best.tagName.toLowerCase(), text: (best.innerText || best.value || '').trim().slice(0, 100) };
})()`

const fillInputScript = `(() => {
  const key = %[1]s;
  const value = %[2]s;
  const lower = key.toLowerCase();
  const attr = (name) => document.querySelector('[' + name + '="' + CSS.escape(key) + '"]');
  const byLabel = () => {
    for (const l of document.querySelectorAll('label')) {
      if (!(l.innerText || '').trim().toLowerCase().includes(lower)) continue;
      if (l.control) return l.control;
      const id = l.getAttribute('for');
      if (id) return document.getElementById(id);
    }
    return null;
  };
  let el = null;
  try { el = document.querySelector(key); } catch (e) { el = null; }
  el = el || attr('name') || attr('id') || attr('placeholder') || attr('aria-label') || byLabel();
  if (!el) return { success: false, error: 'No input found for: ' + key };
  el.focus();
  if (el.isContentEditable) {
    el.textContent = value;
  } else {
    const proto = el instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype
      : el instanceof HTMLSelectElement ? HTMLSelectElement.prototype
      : HTMLInputElement.prototype;
    const desc = Object.getOwnPropertyDescriptor(proto, 'value');
    if (desc && desc.set) desc.set.call(el, value); else el.value = value;
  }
  el.dispatchEvent(new Event('input', { bubbles: true }));
  el.dispatchEvent(new Event('change', { bubbles: true }));
  return { success: true, tag: el.tagName.toLowerCase(), name: el.name || el.id || '' };
})()`

const keyboardScript = `(() => {
  const init = Object.assign({ bubbles: true, cancelable: true }, %[1]s);
  const target = document.activeElement || document.body;
  target.dispatchEvent(new KeyboardEvent('keydown', init));
  target.dispatchEvent(new KeyboardEvent('keyup', init));
  return { success: true, combo: %[2]s };
})()`

const windowInfoScript = `(() => ({
  success: true,
  title: document.title,
  url: window.location.href,
  width: window.innerWidth,
  height: window.innerHeight,
  devicePixelRatio: window.devicePixelRatio,
  focused: document.hasFocus(),
  readyState: document.readyState
}))()`
